package chat

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Origin tracks the two-phase message lifecycle: a locally sent
// message starts as local-pending under a temporary id and is
// replaced in place by its confirmed counterpart once the server
// echo or ack arrives.
type Origin string

const (
	OriginLocalPending   Origin = "local-pending"
	OriginLocalConfirmed Origin = "local-confirmed"
	OriginRemote         Origin = "remote"
)

// Message is immutable once confirmed. ID holds a locally generated
// temporary id until the server assigns the real one.
type Message struct {
	ID                string     `json:"id"`
	Text              string     `json:"text"`
	SenderUserID      string     `json:"senderUserId"`
	SenderDisplayName string     `json:"senderDisplayName"`
	ContextKey        ContextKey `json:"contextKey"`
	CreatedAt         time.Time  `json:"createdAt"`
	Origin            Origin     `json:"origin"`
	Failed            bool       `json:"failed,omitempty"`
}

var diceSpec = regexp.MustCompile(`^([1-9]\d?)d([1-9]\d{0,2})$`)

// FormatAction rewrites slash commands into formatted action text
// before send. It is a pure transform of the literal payload and has
// no effect on dedup or reconciliation:
//
//	/me waves        -> "* Grunt waves"
//	/roll 2d6        -> "* Grunt rolls 2d6"
//
// Unknown commands and plain text pass through unchanged.
func FormatAction(displayName, text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	cmd, rest, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "me":
		if rest == "" {
			return text
		}
		return fmt.Sprintf("* %s %s", displayName, rest)
	case "roll":
		spec := rest
		if spec == "" {
			spec = "1d6"
		}
		if !diceSpec.MatchString(spec) {
			return text
		}
		return fmt.Sprintf("* %s rolls %s", displayName, spec)
	default:
		return text
	}
}
