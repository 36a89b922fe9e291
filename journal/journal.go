// Package journal keeps a persistent history of adapter events in a sqlite
// database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c35s/aac/comm"
	"github.com/c35s/aac/fib"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	time    INTEGER NOT NULL,
	command INTEGER NOT NULL,
	payload BLOB NOT NULL
);
`

// Entry is one recorded event.
type Entry struct {
	Seq     int64
	Time    time.Time
	Command fib.Command
	Payload []byte
}

// Journal is an open event database. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens the journal at path, creating it if it doesn't exist. Use
// ":memory:" for a journal that isn't persisted.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	// an in-memory database lives and dies with its connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends an event message to the journal.
func (j *Journal) Record(ctx context.Context, t time.Time, msg fib.View) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (time, command, payload) VALUES (?, ?, ?)`,
		t.UnixNano(), int(msg.Command()), msg.Payload())

	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}

	return nil
}

// Recent returns up to n of the newest entries, oldest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, time, command, payload FROM events ORDER BY seq DESC LIMIT ?`, n)

	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			ns   int64
			cmd  int
			data []byte
		)

		if err := rows.Scan(&e.Seq, &ns, &cmd, &data); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}

		e.Time = time.Unix(0, ns)
		e.Command = fib.Command(cmd)
		e.Payload = data
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// Prune deletes all but the newest keep entries and returns the number
// deleted.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM events WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM events) - ?`, keep)

	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}

	return res.RowsAffected()
}

// Follow records every event delivered to sub until ctx ends or the
// subscription closes. Every keep/4 records, the journal is pruned to keep
// entries. If keep is 0, nothing is pruned.
func (j *Journal) Follow(ctx context.Context, sub *comm.Subscription, keep int, log *slog.Logger) error {
	every := max(keep/4, 1)

	for n := 1; ; n++ {
		msg, err := sub.Poll(ctx, true)
		if errors.Is(err, comm.ErrNoEvent) {
			if ctx.Err() != nil {
				return nil
			}

			continue
		}

		if err != nil {
			return err
		}

		if err := j.Record(ctx, time.Now(), msg); err != nil {
			log.Error("journal", "err", err)
			continue
		}

		if keep > 0 && n%every == 0 {
			if _, err := j.Prune(ctx, keep); err != nil {
				log.Error("journal", "err", err)
			}
		}
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
