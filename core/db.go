package core

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDBOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// Cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout in milliseconds.
	BusyTimeout int
}

// DSN returns the go-sqlite3 connection string for file.
func (o *SQLiteDBOption) DSN(file string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	if o != nil {
		if o.Mode != "" {
			q.Set("mode", o.Mode)
		}
		if o.Cache != "" {
			q.Set("cache", o.Cache)
		}
		if o.JournalMode != "" {
			q.Set("_journal_mode", o.JournalMode)
		}
		if o.BusyTimeout > 0 {
			q.Set("_busy_timeout", fmt.Sprint(o.BusyTimeout))
		}
	}
	return "file:" + file + "?" + q.Encode()
}

type SQLiteDB struct {
	*sql.DB
	file string
}

func NewSQLiteDB(file string, opts *SQLiteDBOption) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", opts.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	// sqlite allows a single writer
	d.SetMaxOpenConns(1)
	return &SQLiteDB{DB: d, file: file}, nil
}

// Migrate applies the embedded migrations.
func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
