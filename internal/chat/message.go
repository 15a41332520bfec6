// Package chat defines the persisted chat message, the MessageStore contract
// and its backends. Every backend expires messages MessageTTL after creation;
// expired messages are never returned and leave no tombstone.
package chat

import (
	"encoding/hex"
	"errors"
	"time"
)

// MessageTTL is how long a message stays retrievable after creation.
const MessageTTL = 1 * time.Hour

// ErrNotFound is returned by Delete when no live message has the given ID.
var ErrNotFound = errors.New("chat: message not found")

// Message is a single point-to-point chat message. It is immutable once
// created.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExpiresAt returns the instant after which the message is gone.
func (m *Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(MessageTTL)
}

// Counterpart returns the other party of the message relative to party, or
// an empty string if party took no part in it.
func (m *Message) Counterpart(party string) string {
	switch party {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	}
	return ""
}

// Between reports whether the message was exchanged between partyA and
// partyB, in either direction.
func (m *Message) Between(partyA, partyB string) bool {
	return (m.SenderID == partyA && m.ReceiverID == partyB) ||
		(m.SenderID == partyB && m.ReceiverID == partyA)
}

// ThreadKey returns a direction-agnostic key for the conversation between two
// parties, so that ThreadKey(a, b) == ThreadKey(b, a). Each party is hex
// encoded, so no identity can contain the separator.
func ThreadKey(partyA, partyB string) string {
	if partyB < partyA {
		partyA, partyB = partyB, partyA
	}
	return hex.EncodeToString([]byte(partyA)) + "|" + hex.EncodeToString([]byte(partyB))
}

// cutoff returns the oldest CreatedAt that is still live at now.
func cutoff(now time.Time) time.Time {
	return now.Add(-MessageTTL)
}
