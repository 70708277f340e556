package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// Value type tags stored alongside each entry.
const (
	kindInt = iota + 1
	kindFloat
	kindString
	kindBool
	kindBlob
)

// SQLite is the reference Store backend: one kv table, values CBOR
// encoded, safe for concurrent use.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path (":memory:" works).
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		kind      INTEGER NOT NULL,
		value     BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) set(ns, key string, kind int, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO kv (namespace, key, kind, value) VALUES (?, ?, ?, ?)",
		ns, CompressKey(key), kind, data,
	)
	if err != nil {
		return fmt.Errorf("saving %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLite) get(ns, key string, kind int, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var gotKind int
	var data []byte
	err := s.db.QueryRow(
		"SELECT kind, value FROM kv WHERE namespace = ? AND key = ?",
		ns, CompressKey(key),
	).Scan(&gotKind, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("querying %s/%s: %w", ns, key, err)
	}
	if gotKind != kind {
		return ErrWrongType
	}
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLite) SetInt(ns, key string, v int64) error {
	return s.set(ns, key, kindInt, v)
}

func (s *SQLite) GetInt(ns, key string) (int64, error) {
	var v int64
	err := s.get(ns, key, kindInt, &v)
	return v, err
}

func (s *SQLite) SetFloat(ns, key string, v float64) error {
	return s.set(ns, key, kindFloat, v)
}

func (s *SQLite) GetFloat(ns, key string) (float64, error) {
	var v float64
	err := s.get(ns, key, kindFloat, &v)
	return v, err
}

func (s *SQLite) SetString(ns, key, v string) error {
	return s.set(ns, key, kindString, v)
}

func (s *SQLite) GetString(ns, key string) (string, error) {
	var v string
	err := s.get(ns, key, kindString, &v)
	return v, err
}

func (s *SQLite) SetBool(ns, key string, v bool) error {
	return s.set(ns, key, kindBool, v)
}

func (s *SQLite) GetBool(ns, key string) (bool, error) {
	var v bool
	err := s.get(ns, key, kindBool, &v)
	return v, err
}

func (s *SQLite) SetBlob(ns, key string, v []byte) error {
	return s.set(ns, key, kindBlob, v)
}

func (s *SQLite) GetBlob(ns, key string) ([]byte, error) {
	var v []byte
	err := s.get(ns, key, kindBlob, &v)
	return v, err
}

// Delete removes one entry; deleting a missing entry is a no-op.
func (s *SQLite) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		"DELETE FROM kv WHERE namespace = ? AND key = ?", ns, CompressKey(key),
	); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", ns, key, err)
	}
	return nil
}

// Clear removes every entry in the namespace.
func (s *SQLite) Clear(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM kv WHERE namespace = ?", ns); err != nil {
		return fmt.Errorf("clearing %s: %w", ns, err)
	}
	return nil
}
