package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Read* methods when no row matches.
var ErrNotFound = errors.New("record not found")

var logger = log.WithPrefix("db")

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const maxBusyRetries = 5

// Open opens (creating if needed) the SQLite database at path and runs the
// schema migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("probing database %s: %w", path, err)
	}
	logger.Debug("database opened", "path", path, "journal", journalMode)

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating database %s: %w", path, err)
	}
	return d, nil
}

// dsn applies the connection pragmas to every pooled connection.
func dsn(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_time_format=sqlite",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + strings.Join(pragmas, "&")
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// the whole transaction when SQLite reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = db.runTransaction(f)
		if err == nil || !isBusy(err) {
			break
		}
		logger.Debug("database busy, retrying transaction", "attempt", attempt+1)
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func (db *DB) runTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("error starting transaction", "err", err)
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !errors.Is(err, ErrNotFound) && !isBusy(err) {
			logger.Error("error in transaction", "err", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("error committing transaction", "err", err)
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// notFound maps sql.ErrNoRows onto ErrNotFound and leaves other errors alone.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
