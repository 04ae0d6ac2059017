// Package state persists the client roster so a restarted gateway can
// re-admit clients that were already authenticated.
//
// Storage is a single SQLite database (modernc.org/sqlite, pure Go). Save
// replaces the stored roster atomically; Load returns it.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/roster"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

const schemaVersion = 1

// Options configures the SQLite store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool   // Enable WAL mode for better concurrency
	Clock   clock.Clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{Path: path, WALMode: true}
}

// Store is the SQLite-backed roster store.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at opts.Path.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, clock: clock.OrReal(opts.Clock)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			mac TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			token TEXT NOT NULL,
			state TEXT NOT NULL,
			incoming INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			last_updated INTEGER NOT NULL,
			logged_in_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprint(schemaVersion))
	return err
}

// Save replaces the stored roster with clients.
func (s *Store) Save(ctx context.Context, clients []roster.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clients`); err != nil {
		return fmt.Errorf("failed to clear clients: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clients (mac, ip, token, state, incoming, outgoing, last_updated, logged_in_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range clients {
		_, err := stmt.ExecContext(ctx,
			c.MAC, c.IP, c.Token, c.State.String(),
			int64(c.Counters.Incoming), int64(c.Counters.Outgoing),
			unixNano(c.Counters.LastUpdated), unixNano(c.LoggedInAt))
		if err != nil {
			return fmt.Errorf("failed to save client %s: %w", c.MAC, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('saved_at', ?)`,
		fmt.Sprint(s.clock.Now().UnixNano())); err != nil {
		return fmt.Errorf("failed to record save time: %w", err)
	}

	return tx.Commit()
}

// Load returns the stored roster. Every client's counter history is set to
// its totals because the kernel counters start from zero once the rules are
// programmed again.
func (s *Store) Load(ctx context.Context) ([]roster.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mac, ip, token, state, incoming, outgoing, last_updated, logged_in_at
		FROM clients ORDER BY logged_in_at, mac`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var clients []roster.Client
	for rows.Next() {
		var (
			c                    roster.Client
			state                string
			in, out, upd, logged int64
		)
		if err := rows.Scan(&c.MAC, &c.IP, &c.Token, &state, &in, &out, &upd, &logged); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		st, ok := roster.ParseState(state)
		if !ok {
			return nil, fmt.Errorf("client %s: unknown state %q", c.MAC, state)
		}
		c.State = st
		c.Counters.Incoming = uint64(in)
		c.Counters.Outgoing = uint64(out)
		c.Counters.LastUpdated = fromUnixNano(upd)
		c.Counters.Rebase()
		c.LoggedInAt = fromUnixNano(logged)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// SavedAt returns when Save last completed, or the zero time.
func (s *Store) SavedAt(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, ErrStoreClosed
	}

	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM metadata WHERE key = 'saved_at'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromUnixNano(v), nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
