// Package store persists stations, name history, and message history in
// SQLite. The dispatcher, the scheduler, and the HTTP API all touch the same
// database, so every store serializes access behind one shared mutex; the
// driver additionally runs on a single connection.
package store

import (
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Stores bundles the persistent stores sharing one SQLite database.
type Stores struct {
	Messages MessageStore
	Presence PresenceStore

	db       *sqlx.DB
	presence *sqlitePresenceStore
}

// Open opens (creating if needed) the SQLite database at path, applies
// pending migrations, and returns the stores. Failure here is fatal to the
// process; it is the only startup error treated that way.
func Open(path string) (*Stores, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	mu := &sync.Mutex{}
	presence := newPresenceStore(db, mu)
	return &Stores{
		Messages: &sqliteMessageStore{db: db, mu: mu},
		Presence: presence,
		db:       db,
		presence: presence,
	}, nil
}

func migrateUp(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying database and caches.
func (s *Stores) Close() error {
	s.presence.close()
	return s.db.Close()
}
