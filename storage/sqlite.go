package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// ErrKeyNotFound is returned when a key is not found in storage
var ErrKeyNotFound = fmt.Errorf("key not found")

// Store provides encrypted SQLite storage for the app-side connection core.
// Every value is encrypted at rest with the DEK (Data Encryption Key) derived
// from the user's vault credentials; keys remain plaintext so that prefix
// scans work without decrypting the whole database.
//
// Connection records live under "connections/<id>", queued offline actions
// under "queue/<seq>-<action_id>". The zero-padded sequence in queue keys
// makes lexicographic key order equal creation order.
type Store struct {
	db         *sql.DB
	dek        []byte // 32-byte Data Encryption Key
	ownerSpace string
	cache      *LRUCache

	mu sync.RWMutex
}

// Open creates an encrypted store at the given path. Use ":memory:" in tests.
func Open(path, ownerSpace string, dek []byte) (*Store, error) {
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:         db,
		dek:        dek,
		ownerSpace: ownerSpace,
		cache:      NewLRUCache(100),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Generic key-value records (connection records, queued actions, settings)
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Metadata: monotonic counters (queue sequence, schema bookkeeping)
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _metadata (key, value, updated_at)
		VALUES ('queue_sequence', '0', ?)
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return nil
}

// Get retrieves and decrypts the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var enc []byte
	err := s.db.QueryRow(`SELECT value FROM records WHERE key = ?`, key).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	value, err := s.decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %q: %w", key, err)
	}

	s.cache.Put(key, value)
	return value, nil
}

// Put encrypts and stores value under key, replacing any existing value.
func (s *Store) Put(key string, value []byte) error {
	enc, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt record %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, enc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	s.cache.Put(key, value)
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	s.cache.Delete(key)
	return nil
}

// List returns all keys with the given prefix in ascending key order.
func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT key FROM records
		WHERE key >= ? AND key < ?
		ORDER BY key ASC
	`, prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// NextSequence increments and returns the named monotonic counter.
// Queue keys embed this sequence so replay order survives restarts.
func (s *Store) NextSequence(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, name).Scan(&current)
	if err == sql.ErrNoRows {
		current = "0"
	} else if err != nil {
		return 0, fmt.Errorf("failed to read counter %q: %w", name, err)
	}

	seq, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %q: %w", name, err)
	}
	seq++

	_, err = tx.Exec(`
		INSERT INTO _metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, strconv.FormatInt(seq, 10), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to update counter %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter %q: %w", name, err)
	}
	return seq, nil
}

// Wipe removes every record. Used only by explicit local data wipe.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to wipe records: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE _metadata SET value = '0'`); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	s.cache.Clear()
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.cache.Clear()
	return s.db.Close()
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce := ciphertext[:nonceSize]
	return aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
}
