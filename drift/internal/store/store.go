// Package store is the SQLite persistence layer for the drift ledger.
package store

import (
	"database/sql"

	"github.com/hazyhaar/commentveil/dbopen"
)

// Store is the drift database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the drift database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Wrap uses an already opened database; the schema is applied.
func Wrap(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
