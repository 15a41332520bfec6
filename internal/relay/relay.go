// Package relay routes point-to-point chat messages. Every message is
// persisted before any delivery is attempted; live delivery is a best-effort
// push to whichever session the receiver is currently bound to.
package relay

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/metrics"
	"github.com/marketchat/relay/internal/presence"
)

// Pusher writes a persisted message to one live session.
type Pusher interface {
	Push(sessionID string, msg *chat.Message) error
}

// Fanout hands a message to other relay instances when the receiver is not
// bound locally.
type Fanout interface {
	Publish(msg *chat.Message) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithFanout enables cross-instance delivery for local misses.
func WithFanout(f Fanout) Option {
	return func(r *Relay) { r.fanout = f }
}

// WithClock replaces the wall clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.clock = newClock(now) }
}

// Relay accepts send requests, persists them and pushes them to the
// receiver's live session if there is one.
type Relay struct {
	store    chat.Store
	registry *presence.Registry
	pusher   Pusher
	fanout   Fanout
	clock    *clock
}

// New creates a Relay.
func New(store chat.Store, registry *presence.Registry, pusher Pusher, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		registry: registry,
		pusher:   pusher,
		clock:    newClock(time.Now),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send persists a message from senderID to receiverID and then tries to push
// it live. The persisted message is returned whether or not it was delivered.
// Validation failures wrap ErrInvalidMessage; persistence failures are a
// *StoreError and leave nothing behind.
func (r *Relay) Send(ctx context.Context, senderID, receiverID, body string) (*chat.Message, error) {
	if err := validateSend(senderID, receiverID, body); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	msg := &chat.Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		CreatedAt:  r.clock.Next(),
	}

	start := time.Now()
	_, err := r.store.Insert(ctx, msg)
	metrics.StoreLatency.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("store_error").Inc()
		log.Printf("[relay] persist failed sender=%s receiver=%s: %v", senderID, receiverID, err)
		return nil, &StoreError{Op: "insert", Err: err}
	}
	metrics.MessagesTotal.WithLabelValues("saved").Inc()

	if r.deliverLocal(msg) == metrics.DeliveryMiss && r.fanout != nil {
		if err := r.fanout.Publish(msg); err != nil {
			log.Printf("[relay] fanout publish failed message=%s: %v", msg.ID, err)
		} else {
			metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryRemote).Inc()
		}
	}
	return msg, nil
}

// Deliver pushes an already persisted message to the receiver's session if it
// is bound on this instance. It never persists or publishes, and reports
// whether the push happened.
func (r *Relay) Deliver(msg *chat.Message) bool {
	sessionID, ok := r.registry.Lookup(msg.ReceiverID)
	if !ok {
		return false
	}
	return r.push(sessionID, msg) == metrics.DeliveryPushed
}

// History returns the conversation between partyA and partyB in both
// directions, oldest first.
func (r *Relay) History(ctx context.Context, partyA, partyB string) ([]chat.Message, error) {
	if strings.TrimSpace(partyA) == "" || strings.TrimSpace(partyB) == "" {
		return nil, invalid("both parties are required")
	}

	start := time.Now()
	msgs, err := r.store.Query(ctx, partyA, partyB)
	metrics.StoreLatency.WithLabelValues("query").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	return msgs, nil
}

// deliverLocal looks up the receiver and pushes. A miss is logged and counted,
// never returned as an error.
func (r *Relay) deliverLocal(msg *chat.Message) string {
	sessionID, ok := r.registry.Lookup(msg.ReceiverID)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryMiss).Inc()
		log.Printf("[relay] receiver=%s not connected, message=%s kept for history", msg.ReceiverID, msg.ID)
		return metrics.DeliveryMiss
	}
	return r.push(sessionID, msg)
}

func (r *Relay) push(sessionID string, msg *chat.Message) string {
	if err := r.pusher.Push(sessionID, msg); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryFailed).Inc()
		log.Printf("[relay] push to session=%s failed message=%s: %v", sessionID, msg.ID, err)
		return metrics.DeliveryFailed
	}
	metrics.DeliveriesTotal.WithLabelValues(metrics.DeliveryPushed).Inc()
	return metrics.DeliveryPushed
}

func validateSend(senderID, receiverID, body string) error {
	if strings.TrimSpace(senderID) == "" {
		return invalid("sender_id is required")
	}
	if strings.TrimSpace(receiverID) == "" {
		return invalid("receiver_id is required")
	}
	if err := chat.ValidateBody(body); err != nil {
		return invalid("%v", err)
	}
	return nil
}
