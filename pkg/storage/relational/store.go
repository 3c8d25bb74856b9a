// Package relational owns the embedded relational store: opening it with
// the configured driver, backing it up before a rebuild and describing the
// SQL dialect the relational sink writes.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/schema"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

// BackupLayout is the timestamp layout of backup file suffixes.
const BackupLayout = "20060102150405"

// Config configures the store.
type Config struct {
	Driver string
	Path   string
}

// Dialect describes how a driver spells column types and identifiers.
type Dialect struct {
	Name        string
	TextType    string
	IntegerType string
}

var dialects = map[string]Dialect{
	DriverSQLite: {Name: DriverSQLite, TextType: "TEXT", IntegerType: "INTEGER"},
	DriverDuckDB: {Name: DriverDuckDB, TextType: "VARCHAR", IntegerType: "BIGINT"},
}

// DialectFor returns the dialect of a driver.
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return Dialect{}, ncerrors.InvalidConfig("store driver", driver, "expected sqlite or duckdb")
	}
	return d, nil
}

// ColumnType returns the SQL type of a semantic column type. Dates are
// stored as YYYY-MM-DD text.
func (d Dialect) ColumnType(t schema.Type) string {
	if t == schema.TypeInteger {
		return d.IntegerType
	}
	return d.TextType
}

// Quote quotes an identifier, doubling embedded quotes.
func (d Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Store is the shared relational store. It holds a single connection and is
// used by one dataset at a time.
type Store struct {
	db      *sql.DB
	path    string
	dialect Dialect
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ncerrors.InvalidConfig("store path", cfg.Path, "must not be empty")
	}
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, ncerrors.IO(err, dir)
		}
	}

	db, err := sql.Open(dialect.Name, cfg.Path)
	if err != nil {
		return nil, ncerrors.IO(fmt.Errorf("%s: open: %w", dialect.Name, err), cfg.Path)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, ncerrors.IO(fmt.Errorf("%s: ping: %w", dialect.Name, err), cfg.Path)
	}

	if dialect.Name == DriverSQLite {
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL;")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;")
	}

	return &Store{db: db, path: cfg.Path, dialect: dialect}, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Close closes the store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CountRows returns the number of rows in table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	q := "SELECT COUNT(*) FROM " + s.dialect.Quote(table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: count %s: %w", s.dialect.Name, table, err)
	}
	return n, nil
}

// Backup renames an existing store file to <path>.<YYYYmmddHHMMSS>.bak and
// returns the new name. A missing store is not an error and returns "". An
// existing backup with the same name is never overwritten.
func Backup(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", ncerrors.IO(err, path)
	}

	target := fmt.Sprintf("%s.%s.bak", path, now.Format(BackupLayout))
	if _, err := os.Stat(target); err == nil {
		return "", ncerrors.IO(os.ErrExist, target).WithContext("reason", "backup already exists")
	}

	if err := os.Rename(path, target); err != nil {
		return "", ncerrors.IO(err, path)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, target+suffix)
		}
	}
	return target, nil
}
