package tether

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/boltkv"
	"github.com/hyperengineering/tether/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// KV is the durable key-value capability the engine persists through.
// Read reports absent keys with ok=false and a nil error.
type KV interface {
	Read(key string) (value []byte, ok bool, err error)
	Write(key string, value []byte) error
}

// KeyLister is implemented by KV backends that can enumerate keys.
type KeyLister interface {
	Keys(prefix string) ([]string, error)
}

// StorePinger is implemented by KV backends with a cheap liveness check.
type StorePinger interface {
	Ping() error
}

// MetadataStore is implemented by KV backends that keep engine bookkeeping
// apart from collection data.
type MetadataStore interface {
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string) error
}

// Metadata keys.
const (
	metaSchemaVersion   = "schema_version"
	metaLastInitialized = "last_initialized"
)

// Store is a SQLite-backed KV.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a local SQLite store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers from blocking the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)
	`, metaSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Read returns the value stored under key.
func (s *Store) Read(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrStoreClosed
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read %s: %w", key, err)
	}
	return value, true, nil
}

// Write replaces the value stored under key.
func (s *Store) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

// Keys returns the stored keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT key FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

// GetMetadata returns a metadata value, or "" when unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value.String, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Ping()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// boltStore adapts the bbolt backend to KV and maps its closed error.
type boltStore struct {
	db *boltkv.DB
}

// LocalKV is a KV that owns an underlying file.
type LocalKV interface {
	KV
	KeyLister
	StorePinger
	MetadataStore
	Close() error
}

// OpenKV opens the local KV selected by backend at path.
func OpenKV(backend, path string) (LocalKV, error) {
	switch backend {
	case "", BackendSQLite:
		return NewStore(path)
	case BackendBolt:
		db, err := boltkv.Open(path)
		if err != nil {
			return nil, err
		}
		b := &boltStore{db: db}
		if v, _ := b.GetMetadata(metaSchemaVersion); v == "" {
			if err := b.SetMetadata(metaSchemaVersion, schemaVersion); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

func (b *boltStore) Read(key string) ([]byte, bool, error) {
	v, ok, err := b.db.Read(key)
	return v, ok, mapBoltErr(err)
}

func (b *boltStore) Write(key string, value []byte) error {
	return mapBoltErr(b.db.Write(key, value))
}

func (b *boltStore) Keys(prefix string) ([]string, error) {
	keys, err := b.db.Keys(prefix)
	return keys, mapBoltErr(err)
}

func (b *boltStore) Ping() error { return mapBoltErr(b.db.Ping()) }

// bbolt has no side table, so metadata lives under meta/ in the kv bucket.
func (b *boltStore) GetMetadata(key string) (string, error) {
	v, _, err := b.Read("meta/" + key)
	return string(v), err
}

func (b *boltStore) SetMetadata(key, value string) error {
	return b.Write("meta/"+key, []byte(value))
}

func (b *boltStore) Close() error { return b.db.Close() }

func mapBoltErr(err error) error {
	if errors.Is(err, boltkv.ErrClosed) {
		return ErrStoreClosed
	}
	return err
}

// MemoryKV is an in-memory KV, useful for tests and ephemeral sessions.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Read(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Write(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
