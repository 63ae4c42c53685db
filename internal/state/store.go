// Package state provides a small persistent key/value store on SQLite.
//
// Values live in named buckets. The daemon keeps the tailer read positions
// and a few timestamps (last toxic download, last event cull) here so that
// a restart resumes where the previous process stopped. The same database
// file holds the complaint tables; DB exposes the handle for that.
package state

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
)

var (
	ErrNotFound      = errors.New(errors.KindNotFound, "key not found")
	ErrBucketExists  = errors.New(errors.KindInternal, "bucket already exists")
	ErrBucketMissing = errors.New(errors.KindNotFound, "bucket does not exist")
	ErrStoreClosed   = errors.New(errors.KindInternal, "store is closed")
)

// Store is the key/value interface used by the buckets.
type Store interface {
	CreateBucket(name string) error

	Get(bucket, key string) ([]byte, error)
	Set(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	ListKeys(bucket string) ([]string, error)

	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
}

// Options configures the SQLite store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode so the CLI can read while the daemon writes
	Clock   clock.Clock // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// NewSQLiteStore opens (creating if needed) the database at opts.Path.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path + "?_pragma=foreign_keys(1)"
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "open database %s", opts.Path)
	}
	if opts.Path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, errors.KindIO, "connect to database %s", opts.Path)
	}

	s := &SQLiteStore{
		db:    db,
		clock: clock.OrDefault(opts.Clock),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindIO, "initialize schema")
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		PRAGMA temp_store = MEMORY;

		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);
	`)
	return err
}

// DB returns the underlying database so other tables can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)", name, s.clock.Now().Unix())
	if err != nil {
		return errors.Wrapf(err, errors.KindIO, "create bucket %s", name)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrBucketExists
	}
	return nil
}

// EnsureBucket creates a bucket unless it already exists.
func EnsureBucket(s Store, name string) error {
	if err := s.CreateBucket(name); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}

// Get retrieves a value by bucket and key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow("SELECT value FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindIO, "read entry"), "bucket", bucket)
	}
	return value, nil
}

// Set stores a value. The bucket must exist.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO entries (bucket, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, bucket, key, value, s.clock.Now().Unix())
	if err != nil {
		var exists int
		if s.db.QueryRow("SELECT 1 FROM buckets WHERE name = ?", bucket).Scan(&exists) == sql.ErrNoRows {
			return ErrBucketMissing
		}
		return errors.Attr(errors.Wrap(err, errors.KindIO, "write entry"), "bucket", bucket)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindIO, "delete entry"), "bucket", bucket)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeys returns all keys in a bucket, sorted.
func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query("SELECT key FROM entries WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindIO, "list entries"), "bucket", bucket)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v any) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindSyntax, "decode %s", key), "bucket", bucket)
	}
	return nil
}

// SetJSON marshals and stores a JSON value.
func (s *SQLiteStore) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "encode %s", key)
	}
	return s.Set(bucket, key, data)
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
