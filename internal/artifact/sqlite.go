package artifact

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the indexed-storage cache backend. It keeps artifacts in a
// single key/value table so the cache survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the cache database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		scope      TEXT NOT NULL,
		locator    TEXT NOT NULL,
		data       BLOB NOT NULL,
		fetched_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
		PRIMARY KEY (scope, locator)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Has(scope, locator string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM artifacts WHERE scope = ? AND locator = ?`, scope, locator).Scan(&one)
	return err == nil
}

func (s *SQLiteStore) Get(scope, locator string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM artifacts WHERE scope = ? AND locator = ?`, scope, locator).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLiteStore) Put(scope, locator string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO artifacts (scope, locator, data) VALUES (?, ?, ?)
		ON CONFLICT (scope, locator) DO UPDATE SET data = excluded.data,
		fetched_at = strftime('%s','now')`, scope, locator, data)
	return err
}

func (s *SQLiteStore) Delete(scope, locator string) error {
	_, err := s.db.Exec(`DELETE FROM artifacts WHERE scope = ? AND locator = ?`, scope, locator)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
