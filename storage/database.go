package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultDBFileName is the SQLite filename under the node data dir.
	DefaultDBFileName = "mesh.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and
	// expired security events are pruned.
	DefaultMaintenanceInterval = time.Hour
	// DefaultSecurityEventRetention is how long security events are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

// Options tunes a Store. Zero values take the defaults.
type Options struct {
	SecurityEventRetention time.Duration
	MaintenanceInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.SecurityEventRetention <= 0 {
		o.SecurityEventRetention = DefaultSecurityEventRetention
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	return o
}

// schemaStep is one numbered schema change. PRAGMA user_version holds the
// count of applied steps.
type schemaStep struct {
	name       string
	statements []string
}

var schema = []schemaStep{
	{
		name: "pinned peers",
		statements: []string{`
CREATE TABLE IF NOT EXISTS peers (
  device_id           TEXT PRIMARY KEY,
  device_name         TEXT NOT NULL,
  ed25519_public_key  TEXT NOT NULL,
  key_fingerprint     TEXT NOT NULL,
  status              TEXT CHECK(status IN ('online','offline','pending','blocked')) DEFAULT 'pending',
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_addr     TEXT
)`},
	},
	{
		name: "flood dedup ids",
		statements: []string{`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_seen_received ON seen_message_ids (received_at)`,
		},
	},
	{
		name: "identity key changes",
		statements: []string{`
CREATE TABLE IF NOT EXISTS key_rotation_events (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_device_id      TEXT NOT NULL REFERENCES peers(device_id) ON DELETE CASCADE,
  old_key_fingerprint TEXT NOT NULL,
  new_key_fingerprint TEXT NOT NULL,
  decision            TEXT NOT NULL CHECK(decision IN ('trusted','rejected')),
  timestamp           INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_key_rotation_peer ON key_rotation_events (peer_device_id, timestamp DESC, id DESC)`,
		},
	},
	{
		name: "mesh security events",
		statements: []string{`
CREATE TABLE IF NOT EXISTS security_events (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type     TEXT NOT NULL,
  peer_device_id TEXT,
  message_id     TEXT,
  message_type   TEXT,
  details        TEXT NOT NULL,
  severity       TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp      INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_security_time ON security_events (timestamp DESC, id DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_security_kind ON security_events (event_type, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_security_peer ON security_events (peer_device_id, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_security_message ON security_events (message_id)`,
		},
	},
}

// Store persists what a node needs across restarts: pinned peer identities,
// recently flooded message IDs and security events raised by the router and
// transport. It is backed by SQLite in WAL mode.
type Store struct {
	db   *sql.DB
	opts Options

	stop      chan struct{}
	loop      sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) mesh.db under dataDir. It returns the database
// path alongside the store.
func Open(dataDir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrap(err, "create storage directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, brings the schema up to date and
// starts the maintenance loop.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	s := &Store{db: db, opts: opts.withDefaults(), stop: make(chan struct{})}
	for _, step := range []func() error{db.Ping, s.useWAL, s.migrate} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := s.maintain(time.Now()); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.loop.Add(1)
	go s.maintenanceLoop()
	return s, nil
}

// Close stops the maintenance loop and closes the database. It is safe to
// call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.loop.Wait()
		err = s.db.Close()
	})
	return err
}

// SchemaVersion reports how many schema steps have been applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}

func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin schema upgrade")
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(schema); i++ {
		step := schema[i]
		for _, stmt := range step.statements {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Wrapf(err, "schema step %d (%s)", i+1, step.name)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return errors.Wrapf(err, "record schema step %d", i+1)
		}
		jww.DEBUG.Printf("[storage] applied schema step %d: %s", i+1, step.name)
	}
	return errors.Wrap(tx.Commit(), "commit schema upgrade")
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if !strings.EqualFold(mode, "wal") {
		return errors.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

// maintain truncates the WAL and drops security events older than the
// retention window. It returns the number of events dropped.
func (s *Store) maintain(now time.Time) (int64, error) {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, errors.Wrap(err, "checkpoint WAL")
	}
	return s.PruneSecurityEvents(now.Add(-s.opts.SecurityEventRetention).UnixMilli())
}

func (s *Store) maintenanceLoop() {
	defer s.loop.Done()
	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			pruned, err := s.maintain(now)
			if err != nil {
				jww.WARN.Printf("[storage] maintenance: %v", err)
				continue
			}
			if pruned > 0 {
				jww.INFO.Printf("[storage] pruned %d expired security events", pruned)
			}
		}
	}
}
