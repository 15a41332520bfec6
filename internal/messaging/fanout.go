package messaging

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/marketchat/relay/internal/chat"
)

// SubjectDeliver carries messages whose receiver was not bound on the
// instance that persisted them.
const SubjectDeliver = "relay.deliver"

// DeliverEvent is the payload published on SubjectDeliver.
type DeliverEvent struct {
	Origin  string       `json:"origin"`
	Message chat.Message `json:"message"`
}

// Fanout publishes local delivery misses to the other relay instances and
// feeds their misses to this one. Messages on the subject are already
// persisted; receivers only push them.
type Fanout struct {
	client *NATSClient
	origin string
}

// NewFanout creates a Fanout that tags its events with origin.
func NewFanout(client *NATSClient, origin string) *Fanout {
	return &Fanout{client: client, origin: origin}
}

// Publish announces msg to every other instance.
func (f *Fanout) Publish(msg *chat.Message) error {
	data, err := json.Marshal(DeliverEvent{Origin: f.origin, Message: *msg})
	if err != nil {
		return fmt.Errorf("messaging: marshal deliver event: %w", err)
	}
	return f.client.Publish(SubjectDeliver, data)
}

// Subscribe calls deliver for every message published by another instance.
func (f *Fanout) Subscribe(deliver func(msg *chat.Message) bool) error {
	return f.client.Subscribe(SubjectDeliver, func(m *nats.Msg) {
		f.handle(m.Data, deliver)
	})
}

func (f *Fanout) handle(data []byte, deliver func(msg *chat.Message) bool) {
	var event DeliverEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("[nats] bad deliver event: %v", err)
		return
	}
	if event.Origin == f.origin {
		return
	}
	if deliver(&event.Message) {
		log.Printf("[nats] delivered message=%s from %s to receiver=%s",
			event.Message.ID, event.Origin, event.Message.ReceiverID)
	}
}
