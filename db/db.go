package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the federation store backed by SQLite.
type DB struct {
	db *sql.DB
}

const (
	busyRetries = 5
	txTimeout   = 5 * time.Second
)

// now is replaced in tests that need deterministic ordering
var now = func() time.Time { return time.Now().UTC() }

// Open opens (and creates if needed) the database at path and brings the
// schema up to date.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite serializes writers anyway; a small pool keeps WAL readers concurrent
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	if err := MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Infof("Database ready at %s", path)
	return &DB{db: sqlDB}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f inside a transaction and commits it. The whole
// transaction is retried when SQLite reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			return err
		}
		log.Warnf("Database busy, retrying transaction (attempt %d/%d)", attempt, busyRetries)
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY || serr.Code() == sqlitelib.SQLITE_LOCKED
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
