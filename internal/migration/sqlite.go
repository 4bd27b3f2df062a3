package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	"github.com/golang-migrate/migrate/v4/database"
)

// =============================================================================
// SQLite Migration Driver
// =============================================================================

// golang-migrate ships its sqlite driver bound to modernc.org/sqlite, which
// registers the same database/sql driver name ("sqlite") as the
// glebarez/go-sqlite driver behind the GORM dialect. A binary cannot link
// both, so migrations run through this adapter on the glebarez driver
// instead. The behavior follows golang-migrate's own sqlite driver: each
// migration executes inside a transaction and the version table holds a
// single (version, dirty) row.

type sqliteDriver struct {
	db       *sql.DB
	table    string
	isLocked atomic.Bool
}

// newSQLiteDriver wraps an open sqlite connection as a migrate database
// driver and ensures the version table exists.
func newSQLiteDriver(db *sql.DB, table string) (database.Driver, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if table == "" {
		table = "schema_migrations"
	}

	d := &sqliteDriver{db: db, table: table}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *sqliteDriver) ensureVersionTable() error {
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)",
		d.table,
	)
	if _, err := d.db.Exec(query); err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return nil
}

// Open is part of the database.Driver interface but is only reachable when
// migrate is constructed from a URL. This driver is always created from an
// existing connection.
func (d *sqliteDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("sqlite driver must be created from an existing connection")
}

func (d *sqliteDriver) Close() error {
	return d.db.Close()
}

func (d *sqliteDriver) Lock() error {
	if !d.isLocked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *sqliteDriver) Unlock() error {
	if !d.isLocked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

// Run executes a single migration inside a transaction.
func (d *sqliteDriver) Run(migration io.Reader) error {
	script, err := io.ReadAll(migration)
	if err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return &database.Error{OrigErr: err, Err: "transaction start failed"}
	}
	if _, err := tx.Exec(string(script)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return &database.Error{OrigErr: err, Query: script}
	}
	if err := tx.Commit(); err != nil {
		return &database.Error{OrigErr: err, Err: "transaction commit failed"}
	}
	return nil
}

// SetVersion replaces the single row in the version table.
func (d *sqliteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return &database.Error{OrigErr: err, Err: "transaction start failed"}
	}

	query := "DELETE FROM " + d.table
	if _, err := tx.Exec(query); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}

	// A dirty nil version is kept so a failed down migration of the first
	// migration does not leave the table empty.
	if version >= 0 || (version == database.NilVersion && dirty) {
		query = fmt.Sprintf("INSERT INTO %s (version, dirty) VALUES (?, ?)", d.table)
		if _, err := tx.Exec(query, version, dirty); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return &database.Error{OrigErr: err, Query: []byte(query)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &database.Error{OrigErr: err, Err: "transaction commit failed"}
	}
	return nil
}

func (d *sqliteDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	query := "SELECT version, dirty FROM " + d.table + " LIMIT 1"
	err := d.db.QueryRow(query).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, &database.Error{OrigErr: err, Query: []byte(query)}
	}
	return version, dirty, nil
}

// Drop removes every user table, including the version table.
func (d *sqliteDriver) Drop() error {
	query := "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'"
	rows, err := d.db.Query(query)
	if err != nil {
		return &database.Error{OrigErr: err, Query: []byte(query)}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		query = "DROP TABLE " + table
		if _, err := d.db.Exec(query); err != nil {
			return &database.Error{OrigErr: err, Query: []byte(query)}
		}
	}
	if len(tables) > 0 {
		if _, err := d.db.Exec("VACUUM"); err != nil {
			return err
		}
	}
	return nil
}
