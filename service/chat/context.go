package chat

import (
	"strings"
	"time"

	"WarChat/tools/errs"
)

// Kind enumerates the conversation surfaces.
type Kind string

const (
	KindGlobal  Kind = "global"  // per game type, pre-created at startup
	KindClan    Kind = "clan"    // one per clan
	KindPrivate Kind = "private" // one per peer user
	KindGroup   Kind = "group"   // one per group
	KindRoom    Kind = "room"    // ad-hoc rooms
)

func (k Kind) Valid() bool {
	switch k {
	case KindGlobal, KindClan, KindPrivate, KindGroup, KindRoom:
		return true
	}
	return false
}

// Joinable reports whether server-side room membership exists for
// this kind, i.e. whether a join must be (re-)issued for it.
func (k Kind) Joinable() bool {
	switch k {
	case KindClan, KindGroup, KindRoom:
		return true
	}
	return false
}

// Closable reports whether the caller may explicitly close contexts
// of this kind. Global and clan contexts live for the whole
// activation.
func (k Kind) Closable() bool {
	switch k {
	case KindPrivate, KindGroup, KindRoom:
		return true
	}
	return false
}

// ContextKey addresses one conversation surface. The discriminator is
// the game type, clan id, peer user id, group id or room id depending
// on the kind.
type ContextKey struct {
	Kind          Kind   `json:"kind"`
	Discriminator string `json:"discriminator"`
}

func (k ContextKey) String() string {
	return string(k.Kind) + ":" + k.Discriminator
}

func (k ContextKey) Validate() error {
	if !k.Kind.Valid() {
		return errs.ErrInvalidContext.WithDetail("bad kind " + string(k.Kind))
	}
	if k.Discriminator == "" {
		return errs.ErrInvalidContext.WithDetail("empty discriminator")
	}
	return nil
}

// ParseContextKey parses the "kind:discriminator" form produced by
// ContextKey.String.
func ParseContextKey(s string) (ContextKey, error) {
	kind, disc, ok := strings.Cut(s, ":")
	if !ok {
		return ContextKey{}, errs.ErrInvalidContext.WithDetail("bad key " + s)
	}
	k := ContextKey{Kind: Kind(kind), Discriminator: disc}
	if err := k.Validate(); err != nil {
		return ContextKey{}, err
	}
	return k, nil
}

// Context is the registry's view of one conversation surface. Values
// handed to callers are snapshots; all mutation goes through the
// registry.
type Context struct {
	Key            ContextKey `json:"key"`
	UnreadCount    int        `json:"unreadCount"`
	Focused        bool       `json:"focused"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}
