package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hbomb79/theapipe/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	sqlDialect = "postgres"

	connectionFailureDelay = 3 * time.Second
	connectionMaxRetries   = 5
)

//go:embed migrations/*.sql
var migrations embed.FS

var dbLogger = logger.Get("Catalog")

// Queryable includes all methods shared by sqlx.DB and sqlx.Tx, allowing
// either type to be used interchangeably by store methods.
//
//nolint
type Queryable interface {
	sqlx.Ext
	sqlx.ExecerContext
	sqlx.PreparerContext
	sqlx.QueryerContext
	sqlx.Preparer

	GetContext(context.Context, interface{}, string, ...interface{}) error
	SelectContext(context.Context, interface{}, string, ...interface{}) error
	Get(interface{}, string, ...interface{}) error
	MustExecContext(context.Context, string, ...interface{}) sql.Result
	PreparexContext(context.Context, string) (*sqlx.Stmt, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
	Select(interface{}, string, ...interface{}) error
	QueryRow(string, ...interface{}) *sql.Row
	PrepareNamedContext(context.Context, string) (*sqlx.NamedStmt, error)
	PrepareNamed(string) (*sqlx.NamedStmt, error)
	Preparex(string) (*sqlx.Stmt, error)
	NamedExec(string, interface{}) (sql.Result, error)
	NamedExecContext(context.Context, string, interface{}) (sql.Result, error)
	MustExec(string, ...interface{}) sql.Result
	NamedQuery(string, interface{}) (*sqlx.Rows, error)
}

type sqlLogger struct {
	logger logger.Logger
}

func (l *sqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		query, ok := data["query"]
		if ok {
			l.logger.Debugf("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Debugf("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// Connect opens a connection to the catalog's Postgres database, retrying a
// handful of times before giving up, then runs any outstanding goose
// migrations embedded in this package.
func Connect(dsn string) (*sqlx.DB, error) {
	rawDB, err := sql.Open(sqlDialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	rawDB = sqldblogger.OpenDriver(dsn, rawDB.Driver(), &sqlLogger{dbLogger})

	attempt := 1
	for {
		if err := rawDB.Ping(); err != nil {
			if attempt >= connectionMaxRetries {
				dbLogger.Emit(logger.ERROR, "All connection attempts FAILED!\n")
				return nil, fmt.Errorf("failed to ping catalog database after %d attempts: %w", connectionMaxRetries, err)
			}

			dbLogger.Emit(logger.WARNING, "Attempt (%v/%v) failed... retrying in %s\n", attempt, connectionMaxRetries, connectionFailureDelay)
			attempt++
			time.Sleep(connectionFailureDelay)
			continue
		}

		break
	}

	db := sqlx.NewDb(rawDB, sqlDialect)
	if err := executeMigrations(rawDB); err != nil {
		return nil, err
	}

	dbLogger.Emit(logger.SUCCESS, "Catalog database connection established\n")
	return db, nil
}

func executeMigrations(rawDB *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(sqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for catalog migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending catalog migrations...\n")
	if err := goose.Up(rawDB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate catalog database: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "Outstanding catalog migrations complete\n")
	return nil
}

// WrapTx starts a transaction against db, invokes f, and commits or rolls
// back depending on whether f returns an error.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed, rolling back: %v\n", err)
		return fmt.Errorf("catalog transaction failed: %w", err)
	}

	return tx.Commit()
}

// JSONColumn scans/serializes an arbitrary JSON-shaped column in to a typed
// Go value, used by ProcessorConfig's free-form `config` field.
type JSONColumn[T any] struct {
	val *T
}

func (j *JSONColumn[T]) Scan(src any) error {
	if src == nil {
		j.val = nil
		return nil
	}

	srcBytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("expected src to be []byte, not %T", src)
	}

	j.val = new(T)
	return json.Unmarshal(srcBytes, j.val)
}

func (j JSONColumn[T]) Value() (any, error) {
	if j.val == nil {
		return nil, nil
	}

	return json.Marshal(j.val)
}

func (j *JSONColumn[T]) Get() *T {
	return j.val
}

// MarshalJSON/UnmarshalJSON let JSONColumn round-trip through the control
// API the same way it round-trips through the database column - val is
// unexported so encoding/json would otherwise see an empty struct.
func (j JSONColumn[T]) MarshalJSON() ([]byte, error) {
	if j.val == nil {
		return []byte("null"), nil
	}

	return json.Marshal(j.val)
}

func (j *JSONColumn[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		j.val = nil
		return nil
	}

	j.val = new(T)
	return json.Unmarshal(data, j.val)
}
