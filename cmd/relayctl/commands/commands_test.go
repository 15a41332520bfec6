package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/relay/internal/chat"
)

func seed(t *testing.T, dir string, msgs ...*chat.Message) {
	t.Helper()
	store, err := chat.OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger() error: %v", err)
	}
	defer store.Close()
	for _, m := range msgs {
		if _, err := store.Insert(context.Background(), m); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
	}
}

func message(sender, receiver, body string, at time.Time) *chat.Message {
	return &chat.Message{
		ID:         uuid.NewString(),
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  at.UTC().Truncate(time.Microsecond),
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRoot()
	defer a.close()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupBadger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_BACKEND", chat.BackendBadger)
	t.Setenv("BADGER_PATH", dir)
	return dir
}

func TestHistoryAndList(t *testing.T) {
	dir := setupBadger(t)
	now := time.Now()
	seed(t, dir,
		message("cust1", "vendor1", "order?", now.Add(-2*time.Second)),
		message("vendor1", "cust1", "shipped", now.Add(-time.Second)),
		message("cust2", "vendor1", "hello", now),
	)

	out, err := run(t, "history", "vendor1", "cust1")
	if err != nil {
		t.Fatalf("history error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "cust1 -> vendor1: order?") || !strings.HasSuffix(lines[1], "vendor1 -> cust1: shipped") {
		t.Fatalf("unexpected history output:\n%s", out)
	}

	out, err = run(t, "list", "--json")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	var msgs []chat.Message
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(msgs) != 3 || msgs[2].Body != "hello" {
		t.Errorf("unexpected list: %+v", msgs)
	}
}

func TestDelete(t *testing.T) {
	dir := setupBadger(t)
	m := message("a", "b", "bye", time.Now())
	seed(t, dir, m)

	if _, err := run(t, "delete", "not-a-uuid"); err == nil {
		t.Error("expected error for invalid id")
	}

	out, err := run(t, "delete", m.ID)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if !strings.Contains(out, "deleted "+m.ID) {
		t.Errorf("unexpected output: %s", out)
	}

	if _, err := run(t, "delete", m.ID); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCounterparts(t *testing.T) {
	dir := setupBadger(t)
	now := time.Now()
	seed(t, dir,
		message("cust1", "vendor1", "x", now),
		message("vendor1", "cust2", "y", now),
	)

	out, err := run(t, "counterparts", "vendor1")
	if err != nil {
		t.Fatalf("counterparts error: %v", err)
	}
	if out != "cust1\ncust2\n" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestMaintenanceOnBadger(t *testing.T) {
	setupBadger(t)

	if _, err := run(t, "migrate"); err == nil {
		t.Error("expected migrate to refuse a non-postgres backend")
	}

	out, err := run(t, "sweep")
	if err != nil {
		t.Fatalf("sweep error: %v", err)
	}
	if !strings.Contains(out, "nothing to sweep") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestBackendOverrideIsValidated(t *testing.T) {
	setupBadger(t)
	if _, err := run(t, "--backend", "postgres", "list"); err == nil {
		t.Error("expected validation error for postgres without dsn")
	}
}

func TestBenchValidatesFlags(t *testing.T) {
	if _, err := run(t, "bench", "--pairs", "0"); err == nil {
		t.Error("expected error for zero pairs")
	}
}

func TestBenchReportsDialFailures(t *testing.T) {
	out, err := run(t, "bench", "--url", "ws://127.0.0.1:1/ws", "--pairs", "2", "--messages", "1", "--timeout", "2s")
	if err == nil || !strings.Contains(err.Error(), "2 errors") {
		t.Errorf("expected 2 errors, got %v", err)
	}
	if !strings.Contains(out, "Connections:  0") {
		t.Errorf("unexpected report:\n%s", out)
	}
}
