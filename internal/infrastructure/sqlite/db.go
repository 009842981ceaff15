// Package sqlite implements the durable provenance store on a single-file
// SQLite database.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pipetrace/pipetrace/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB owns the SQLite connection and runs schema migrations on open.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, enables WAL
// and foreign keys, backs up an existing file before migrating, and runs
// all pending migrations.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Snapshot an existing database before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	log.Debug(log.CatDB, "Opening database", "path", path)
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := db.ensureDatabaseID(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite3.WithInstance(d.conn, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ensureDatabaseID seeds a stable identifier so front-ends can tell
// databases apart.
func (d *DB) ensureDatabaseID() error {
	_, err := d.conn.Exec(
		`INSERT INTO meta (key, value) VALUES ('dbid', ?) ON CONFLICT(key) DO NOTHING`,
		uuid.New().String(),
	)
	if err != nil {
		return fmt.Errorf("failed to seed database id: %w", err)
	}
	return nil
}

// DatabaseID returns the identifier generated when the database was
// created.
func (d *DB) DatabaseID() (string, error) {
	var id string
	err := d.conn.QueryRow(`SELECT value FROM meta WHERE key = 'dbid'`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read database id: %w", err)
	}
	return id, nil
}

// Store returns the store bound to this database.
func (d *DB) Store() *Store {
	return &Store{conn: d.conn}
}

// Conn exposes the underlying connection for query building.
func (d *DB) Conn() *sql.DB { return d.conn }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: backing up the user's own database file
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst) //nolint:gosec // G304: sibling .bak path
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
