package chat

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// setupRedisStore creates a RedisStore on DB 15 of a local Redis instance.
// Tests are skipped if Redis is unavailable.
func setupRedisStore(t *testing.T) (*RedisStore, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewRedisStore(rdb), ctx
}

func newMessage(sender, receiver, body string, at time.Time) *Message {
	return &Message{
		ID:         uuid.New().String(),
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  at.Truncate(time.Microsecond),
	}
}

func TestRedisStore_InsertAndQueryOrdered(t *testing.T) {
	store, ctx := setupRedisStore(t)
	now := time.Now()

	first := newMessage("A", "B", "hi", now)
	second := newMessage("A", "B", "there", now.Add(time.Microsecond))
	reply := newMessage("B", "A", "hello", now.Add(2*time.Microsecond))

	for _, m := range []*Message{first, second, reply} {
		id, err := store.Insert(ctx, m)
		if err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
		if id != m.ID {
			t.Errorf("expected returned id %q, got %q", m.ID, id)
		}
	}

	ab, err := store.Query(ctx, "A", "B")
	if err != nil {
		t.Fatalf("Query(A,B) error: %v", err)
	}
	ba, err := store.Query(ctx, "B", "A")
	if err != nil {
		t.Fatalf("Query(B,A) error: %v", err)
	}

	want := []string{"hi", "there", "hello"}
	for name, got := range map[string][]Message{"A,B": ab, "B,A": ba} {
		if len(got) != len(want) {
			t.Fatalf("Query(%s): expected %d messages, got %d", name, len(want), len(got))
		}
		for i, body := range want {
			if got[i].Body != body {
				t.Errorf("Query(%s)[%d]: expected %q, got %q", name, i, body, got[i].Body)
			}
		}
	}
}

func TestRedisStore_QueryIsolatesThreads(t *testing.T) {
	store, ctx := setupRedisStore(t)

	store.Insert(ctx, newMessage("A", "B", "for B", time.Now()))
	store.Insert(ctx, newMessage("A", "C", "for C", time.Now()))

	msgs, err := store.Query(ctx, "A", "C")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "for C" {
		t.Fatalf("expected only the A/C message, got %+v", msgs)
	}
}

func TestRedisStore_SeparatorInIdentity(t *testing.T) {
	store, ctx := setupRedisStore(t)

	if _, err := store.Insert(ctx, newMessage("a|b", "c", "pipe", time.Now())); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	msgs, err := store.Query(ctx, "a", "b|c")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no a/b|c messages, got %+v", msgs)
	}

	msgs, err = store.Query(ctx, "c", "a|b")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "pipe" {
		t.Fatalf("expected only the a|b/c message, got %+v", msgs)
	}
}

func TestRedisStore_LiveUntilCutoff(t *testing.T) {
	store, ctx := setupRedisStore(t)

	msg := nearExpiry(t, "A", "B", "last call")
	if _, err := store.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	msgs, err := store.Query(ctx, "A", "B")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("expected message inside its TTL to be returned, got %+v", msgs)
	}
}

func TestRedisStore_ExpiredNeverReturned(t *testing.T) {
	store, ctx := setupRedisStore(t)

	old := newMessage("A", "B", "stale", time.Now().Add(-2*MessageTTL))
	if _, err := store.Insert(ctx, old); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	msgs, err := store.Query(ctx, "A", "B")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected expired message to be hidden, got %+v", msgs)
	}

	all, _ := store.List(ctx)
	if len(all) != 0 {
		t.Errorf("expected empty list, got %d", len(all))
	}
	if err := store.Delete(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting expired message, got %v", err)
	}
}

func TestRedisStore_Delete(t *testing.T) {
	store, ctx := setupRedisStore(t)

	keep := newMessage("A", "B", "keep", time.Now())
	drop := newMessage("A", "B", "drop", time.Now().Add(time.Microsecond))
	store.Insert(ctx, keep)
	store.Insert(ctx, drop)

	if err := store.Delete(ctx, drop.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := store.Delete(ctx, drop.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	msgs, _ := store.Query(ctx, "A", "B")
	if len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Fatalf("expected only the kept message, got %+v", msgs)
	}
	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Errorf("expected 1 message in list, got %d", len(all))
	}
}

func TestRedisStore_Counterparts(t *testing.T) {
	store, ctx := setupRedisStore(t)

	store.Insert(ctx, newMessage("cust1", "vendor1", "order?", time.Now()))
	store.Insert(ctx, newMessage("vendor1", "cust2", "ready", time.Now()))
	store.Insert(ctx, newMessage("cust1", "vendor1", "thanks", time.Now()))

	got, err := store.Counterparts(ctx, "vendor1")
	if err != nil {
		t.Fatalf("Counterparts() error: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "cust1" || got[1] != "cust2" {
		t.Fatalf("expected [cust1 cust2], got %v", got)
	}
}

// failingPrune answers every command locally with an empty reply, except
// ZREMRANGEBYSCORE which fails.
type failingPrune struct{}

func (failingPrune) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failingPrune) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "zremrangebyscore" {
			err := errors.New("READONLY You can't write against a read only replica.")
			cmd.SetErr(err)
			return err
		}
		return nil
	}
}

func (failingPrune) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_PruneFailureLogged(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	rdb.AddHook(failingPrune{})
	defer rdb.Close()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	store := NewRedisStore(rdb)
	msgs, err := store.Query(context.Background(), "A", "B")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %+v", msgs)
	}
	if !strings.Contains(buf.String(), "[chat] prune") {
		t.Errorf("expected prune failure to be logged, got %q", buf.String())
	}
}
