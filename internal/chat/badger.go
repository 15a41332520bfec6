package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// Badger key layout:
//
//	t:{thread key}:{created_at_us padded to 19}:{id} -> message JSON
//	i:{id}                                           -> thread key of the message
//	p:{hex(party)}:{counterpart}                     -> empty
//
// Thread keys and party names are hex encoded so that a ':' inside an
// identity cannot make one prefix scan bleed into another.
const (
	badgerThreadPrefix  = "t:"
	badgerIndexPrefix   = "i:"
	badgerPartnerPrefix = "p:"
)

// BadgerStore keeps messages in an embedded Badger database. Each entry
// carries an ExpiresAt of CreatedAt + MessageTTL, so Badger hides and
// compacts it away on its own.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("chat: open badger: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an open database. The database is closed by Close.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func threadPrefix(partyA, partyB string) string {
	return badgerThreadPrefix + ThreadKey(partyA, partyB) + ":"
}

func partnerPrefix(party string) string {
	return badgerPartnerPrefix + hex.EncodeToString([]byte(party)) + ":"
}

// Insert writes the message, its ID index entry and both partner entries in
// one transaction.
func (s *BadgerStore) Insert(ctx context.Context, msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("chat: marshal message: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%019d:%s",
		threadPrefix(msg.SenderID, msg.ReceiverID),
		msg.CreatedAt.UnixMicro(),
		msg.ID,
	))
	// Expiry has second resolution; round up past the read-time cutoff.
	expiresAt := uint64(msg.ExpiresAt().Unix()) + 1

	entries := []*badger.Entry{
		{Key: key, Value: data, ExpiresAt: expiresAt},
		{Key: []byte(badgerIndexPrefix + msg.ID), Value: key, ExpiresAt: expiresAt},
		{Key: []byte(partnerPrefix(msg.SenderID) + msg.ReceiverID), ExpiresAt: expiresAt},
		{Key: []byte(partnerPrefix(msg.ReceiverID) + msg.SenderID), ExpiresAt: expiresAt},
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.SetEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat: insert %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// Query returns the live conversation between partyA and partyB. The padded
// timestamp in the key keeps a prefix scan in CreatedAt order.
func (s *BadgerStore) Query(ctx context.Context, partyA, partyB string) ([]Message, error) {
	msgs, err := s.scan([]byte(threadPrefix(partyA, partyB)))
	if err != nil {
		return nil, fmt.Errorf("chat: query thread: %w", err)
	}
	return lo.Filter(msgs, func(m Message, _ int) bool { return m.Between(partyA, partyB) }), nil
}

// Delete removes a live message by ID.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		idxKey := []byte(badgerIndexPrefix + id)
		item, err := txn.Get(idxKey)
		if err != nil {
			return err
		}
		msgKey, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(msgKey); err != nil {
			return err
		}
		return txn.Delete(idxKey)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("chat: delete %s: %w", id, err)
	}
	return nil
}

// List returns every live message ordered by CreatedAt.
func (s *BadgerStore) List(ctx context.Context) ([]Message, error) {
	msgs, err := s.scan([]byte(badgerThreadPrefix))
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return msgs, nil
}

// Counterparts returns the parties that party has live history with.
func (s *BadgerStore) Counterparts(ctx context.Context, party string) ([]string, error) {
	prefix := []byte(partnerPrefix(party))
	parties := []string{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			parties = append(parties, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat: counterparts: %w", err)
	}
	return parties, nil
}

// RunGC runs value log garbage collection every interval until ctx is
// cancelled.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[chat] badger gc stopped")
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Printf("[chat] badger gc failed: %v", err)
					}
					break
				}
			}
		}
	}
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// scan decodes every message under prefix. Badger only has second
// resolution on expiry, so entries are also checked against the cutoff.
func (s *BadgerStore) scan(prefix []byte) ([]Message, error) {
	live := cutoff(s.now())
	msgs := []Message{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			if !msg.CreatedAt.After(live) {
				continue
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
