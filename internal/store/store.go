// Package store persists tasks, attempts, workers, runs, and circuit breakers
// in an embedded sqlite database. A single orchestrator process owns the
// database; concurrent workers inside that process coordinate through
// optimistic version checks, not in-memory locks.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/alanmeadows/maestro/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Observer receives task status-change notifications. Observers serve the
// observability layer; nothing in the core pipeline depends on them.
type Observer func(t task.Task)

// Store is the durable backing for the execution engine.
type Store struct {
	db   *sql.DB
	lock *flock.Flock

	mu        sync.Mutex
	observers []Observer
}

// Open opens (creating if needed) the sqlite database at path, acquires the
// single-orchestrator lock, and applies pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	// One orchestrator per project. A second process fails fast here instead
	// of corrupting claim semantics.
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store %s is locked by another maestro process", path)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// sqlite is single-writer; a single connection sidesteps SQLITE_BUSY
	// inside the process.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	return &Store{db: db, lock: lock}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the database and the orchestrator lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// OnStatusChange registers an observer called after every task status
// transition performed through ReleaseTask.
func (s *Store) OnStatusChange(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(t task.Task) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(t)
	}
}

// --- time encoding helpers ---

// timeLayout is the canonical timestamp encoding: fixed-width UTC so that
// lexicographic order matches chronological order and SQL comparisons against
// encoded values are correct.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullIntPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func now() time.Time {
	return time.Now().UTC()
}
