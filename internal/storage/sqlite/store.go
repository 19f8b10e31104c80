// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/tidewater/fieldsync/internal/storage"
)

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store implements the storage.Storage interface using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool

	// enqueueMu serializes timestamp assignment so enqueued_at is strictly
	// increasing even when the foreground path and tests enqueue in the
	// same nanosecond tick.
	enqueueMu   sync.Mutex
	lastEnqueue time.Time
}

// setupWASMCache configures WASM compilation caching to reduce SQLite startup
// time. Falls back to an in-memory cache if the filesystem cache cannot be
// created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "fieldsync", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (or creates) a SQLite datastore at path and initializes the
// schema. Use ":memory:" for an ephemeral database in tests.
func New(ctx context.Context, path string) (*Store, error) {
	// For :memory: databases, use shared cache so multiple connections see
	// the same data. WAL mode doesn't work with shared in-memory databases,
	// so use DELETE journaling there.
	var connStr string
	if path == ":memory:" {
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
		}
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite's in-memory databases are isolated per connection by default;
	// force a single connection so pooled connections share one view.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool so goroutines
		// don't pile up on write-lock contention.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	return &Store{db: db, dbPath: absPath}, nil
}

// Close closes the database connection. It checkpoints the WAL so writes are
// flushed to the main database file rather than stranded between invocations.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// nextEnqueueTime returns a strictly increasing UTC timestamp for queue
// ordering. Two enqueues in the same clock tick are separated by one
// microsecond so FIFO order within a partition stays unambiguous.
func (s *Store) nextEnqueueTime() time.Time {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastEnqueue) {
		now = s.lastEnqueue.Add(time.Microsecond)
	}
	s.lastEnqueue = now
	return now
}
