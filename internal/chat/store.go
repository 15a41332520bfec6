package chat

import "context"

// Store is the durable, time-indexed message log. Implementations own TTL
// eviction; callers may only assume an expired message is eventually gone and
// is never returned by a read.
type Store interface {
	// Insert persists msg and returns its ID.
	Insert(ctx context.Context, msg *Message) (string, error)

	// Query returns every live message exchanged between partyA and partyB in
	// either direction, ordered by CreatedAt ascending.
	Query(ctx context.Context, partyA, partyB string) ([]Message, error)

	// Delete removes one message by ID. It returns ErrNotFound if no live
	// message has that ID.
	Delete(ctx context.Context, id string) error

	// List returns every live message ordered by CreatedAt ascending.
	List(ctx context.Context) ([]Message, error)

	// Counterparts returns the distinct parties that party has live history
	// with.
	Counterparts(ctx context.Context, party string) ([]string, error)

	// Close releases the resources held by the store.
	Close() error
}
