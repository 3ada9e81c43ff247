package chat

// Session identifies the local user for one activation period.
// Exclusively owned by the coordinator; callers get copies.
// ConnectionID is regenerated on every successful connect and exists
// for diagnostic correlation only.
type Session struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	DisplayName  string `json:"displayName"`
	AvatarRef    string `json:"avatarRef,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}
