package cfdevent

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cfdnet/cfdd/cfdcore"
)

const dbFileName = "cfd.db"

// migration mutates the schema from one version to the next, the same
// shape as channeldb's migration function type but operating against a
// *sql.Tx instead of a *bolt.Tx.
type migration func(tx *sql.Tx) error

type schemaVersion struct {
	number    int
	migration migration
}

// schemaVersions lists every schema step in order, following
// channeldb.dbVersions: the base version creates the events table;
// later versions would append here, never rewrite history.
var schemaVersions = []schemaVersion{
	{
		number: 1,
		migration: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS events (
					order_id   BLOB    NOT NULL,
					sequence   INTEGER NOT NULL,
					created_at INTEGER NOT NULL,
					kind       TEXT    NOT NULL,
					payload    BLOB    NOT NULL,
					PRIMARY KEY (order_id, sequence)
				)
			`)
			return err
		},
	},
}

// SQLStore is the persistent Store implementation, backed by a
// single-file SQLite database opened
// through the pure-Go modernc.org/sqlite driver.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if necessary) the event store at dataDir
// and applies any outstanding schema migrations, following
// channeldb.Open's "open, then syncVersions" sequencing.
func OpenSQLStore(dataDir string) (*SQLStore, error) {
	path := filepath.Join(dataDir, dbFileName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	store := &SQLStore{db: db}
	if err := store.syncVersions(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLStore) syncVersions() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return err
	}

	current := 0
	row := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	_ = row.Scan(&current)

	for _, v := range schemaVersions {
		if v.number <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if err := v.migration(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying schema version %d: %w", v.number, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, v.number); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLStore) Append(ctx context.Context, event Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer tx.Rollback()

	var next int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE order_id = ?`,
		event.OrderId[:])
	if err := row.Scan(&next); err != nil {
		return Event{}, fmt.Errorf("computing next sequence: %w", err)
	}
	event.Sequence = next

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (order_id, sequence, created_at, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		event.OrderId[:], event.Sequence, event.CreatedAt.Unix(), string(event.Kind), []byte(event.Payload),
	)
	if err != nil {
		return Event{}, fmt.Errorf("appending event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, err
	}

	return event, nil
}

func (s *SQLStore) Load(ctx context.Context, orderId cfdcore.OrderId) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, created_at, kind, payload FROM events
		 WHERE order_id = ? ORDER BY sequence ASC`,
		orderId[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows, orderId)
}

func (s *SQLStore) LoadOrderIds(ctx context.Context) ([]cfdcore.OrderId, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT order_id FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []cfdcore.OrderId
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var id cfdcore.OrderId
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func scanEvents(rows *sql.Rows, orderId cfdcore.OrderId) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		e.OrderId = orderId

		var createdAt int64
		var kind string
		var payload []byte
		if err := rows.Scan(&e.Sequence, &createdAt, &kind, &payload); err != nil {
			return nil, err
		}

		e.Kind = Kind(kind)
		e.Payload = payload
		e.CreatedAt = unixToTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
