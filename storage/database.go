package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "signmesh.db"
	// DefaultWALCheckpointInterval is the background WAL truncation period.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention is how long security events are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{"messages", `
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  host_port      INTEGER NOT NULL,
  sender_address TEXT NOT NULL,
  sender_port    INTEGER NOT NULL,
  payload        BLOB NOT NULL,
  received_at    INTEGER NOT NULL
);
`},
	{"messages host/time index", `
CREATE INDEX IF NOT EXISTS idx_messages_host_time
ON messages (host_port, received_at, message_id);
`},
	{"peer status", `
CREATE TABLE IF NOT EXISTS peer_status (
  host_port  INTEGER NOT NULL,
  address    TEXT NOT NULL,
  port       INTEGER NOT NULL,
  connected  INTEGER NOT NULL DEFAULT 0,
  changes    INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (host_port, address, port)
);
`},
	{"security events", `
CREATE TABLE IF NOT EXISTS security_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  host_port    INTEGER NOT NULL,
  peer_address TEXT,
  details      TEXT NOT NULL,
  severity     TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp    INTEGER NOT NULL
);
`},
	{"security events time index", `
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`},
	{"security events type index", `
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`},
	{"security events host index", `
CREATE INDEX IF NOT EXISTS idx_security_events_host
ON security_events (host_port, timestamp DESC, id DESC);
`},
	{"broadcasts", `
CREATE TABLE IF NOT EXISTS broadcasts (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  host_port   INTEGER NOT NULL,
  sent        INTEGER NOT NULL,
  skipped     INTEGER NOT NULL,
  failed      INTEGER NOT NULL,
  timestamp   INTEGER NOT NULL
);
`},
}

// Store is a SQLite connection plus the background WAL checkpointer.
type Store struct {
	db *sql.DB

	checkpointInterval time.Duration
	stopCheckpoints    context.CancelFunc
	checkpointsDone    chan struct{}

	retention time.Duration
	pruneMu   sync.Mutex
	lastPrune time.Time

	closeOnce sync.Once
}

// Option tunes a Store at open time.
type Option func(*Store)

// WithSecurityEventRetention sets how long security events are kept.
// Zero or negative keeps the default.
func WithSecurityEventRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithCheckpointInterval sets the WAL truncation period. Zero or negative
// disables the background checkpointer.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.checkpointInterval = interval
	}
}

// Open opens (or creates) signmesh.db under dataDir.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, creating parent directories, and brings
// the schema up to date.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                 db,
		checkpointInterval: DefaultWALCheckpointInterval,
		retention:          DefaultSecurityEventRetention,
	}
	for _, opt := range opts {
		opt(store)
	}

	for _, step := range []func() error{db.Ping, store.enableWALMode, store.applyMigrations, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startCheckpoints()
	return store, nil
}

// Close stops the checkpointer and closes the database. Safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
			<-s.checkpointsDone
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, m := range migrations[version:] {
		next := version + i + 1
		if _, err := tx.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", next, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			return fmt.Errorf("set schema version %d: %w", next, err)
		}
	}
	return tx.Commit()
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) startCheckpoints() {
	if s.checkpointInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel
	s.checkpointsDone = make(chan struct{})

	go func() {
		defer close(s.checkpointsDone)
		ticker := time.NewTicker(s.checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					log.Printf("storage: %v", err)
				}
			}
		}
	}()
}
