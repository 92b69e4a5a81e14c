package chat

import (
	"strings"
	"time"
)

// Message is a single direct message between two users.
type Message struct {
	Sender    string    `json:"sender" validate:"required"`
	Receiver  string    `json:"receiver" validate:"required"`
	Message   string    `json:"message" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds an outbound message stamped with the local clock.
func NewMessage(sender, receiver, text string, now time.Time) Message {
	return Message{
		Sender:    sender,
		Receiver:  receiver,
		Message:   text,
		Timestamp: now.UTC(),
	}
}

// Between reports whether the message belongs to the conversation of a and b,
// in either direction.
func (m Message) Between(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Same compares two messages field by field, timestamps by instant.
func (m Message) Same(o Message) bool {
	return m.Sender == o.Sender &&
		m.Receiver == o.Receiver &&
		m.Message == o.Message &&
		m.Timestamp.Equal(o.Timestamp)
}

// PeerUser is one roster entry as pushed by the server.
type PeerUser struct {
	Username string    `json:"username" validate:"required"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// NormalizeName trims a display name. An empty result means "no name".
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}

// IsBlank reports whether s is empty once whitespace is removed.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
