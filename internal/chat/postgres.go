package chat

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to the database at dsn. dsn
// must be a postgres:// URL.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("chat: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("chat: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: migrate up: %w", err)
	}
	return nil
}

// PostgresStore keeps messages in the chat_messages table. Rows past
// MessageTTL are filtered out of every read and removed by Sweep.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects to dsn, runs migrations and returns a ready store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("chat: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an open database handle. The handle is closed by
// Close.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const selectColumns = `SELECT id, sender_id, receiver_id, body, created_at FROM chat_messages`

// Insert writes one row.
func (s *PostgresStore) Insert(ctx context.Context, msg *Message) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, sender_id, receiver_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, msg.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("chat: insert %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// Query returns the live conversation between partyA and partyB.
func (s *PostgresStore) Query(ctx context.Context, partyA, partyB string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE LEAST(sender_id, receiver_id) = LEAST($1::text, $2::text)
		  AND GREATEST(sender_id, receiver_id) = GREATEST($1::text, $2::text)
		  AND created_at > $3
		ORDER BY created_at, id`,
		partyA, partyB, cutoff(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("chat: query thread: %w", err)
	}
	return scanMessages(rows)
}

// Delete removes a live message by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE id = $1 AND created_at > $2`,
		id, cutoff(s.now()),
	)
	if err != nil {
		return fmt.Errorf("chat: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every live message.
func (s *PostgresStore) List(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE created_at > $1
		ORDER BY created_at, id`,
		cutoff(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	return scanMessages(rows)
}

// Counterparts returns the parties that party has live history with.
func (s *PostgresStore) Counterparts(ctx context.Context, party string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END
		FROM chat_messages
		WHERE (sender_id = $1 OR receiver_id = $1) AND created_at > $2
		ORDER BY 1`,
		party, cutoff(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("chat: counterparts: %w", err)
	}
	defer rows.Close()

	parties := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("chat: scan counterpart: %w", err)
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// Sweep deletes expired rows and returns how many were removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE created_at <= $1`, cutoff(s.now()))
	if err != nil {
		return 0, fmt.Errorf("chat: sweep: %w", err)
	}
	return res.RowsAffected()
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *PostgresStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[chat] sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("[chat] sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[chat] sweep: removed %d expired messages", n)
			}
		}
	}
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: scan messages: %w", err)
	}
	return msgs, nil
}
