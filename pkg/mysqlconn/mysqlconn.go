// Package mysqlconn defines the narrow MySQL capability the ingest core
// depends on: execute, query, execute-in-own-transaction with deadlock
// retry, partition management, and bulk loading. Production code talks to
// the driver implementation, which wraps database/sql with
// github.com/go-sql-driver/mysql; tests talk to the in-memory Mock, which
// implements the same interface without a network.
package mysqlconn

import (
	"context"
	"errors"
)

// Warning is one row of a MySQL "SHOW WARNINGS" result.
type Warning struct {
	Level   string
	Code    uint16
	Message string
}

// ErrNoSuchPartition is returned by DropPartition when the named partition
// does not exist. The fan-out jobs tolerate this as success.
var ErrNoSuchPartition = errors.New("mysqlconn: partition does not exist")

// ErrDuplicateKey is returned when a load violates a unique/primary key.
// Some job classes opt in to tolerating it.
var ErrDuplicateKey = errors.New("mysqlconn: duplicate key")

// ErrDeadlock marks a transient MySQL lock-wait/deadlock error, retried
// by ExecuteInOwnTransaction up to its caller's bound.
var ErrDeadlock = errors.New("mysqlconn: lock deadlock")

// LoadResult reports the outcome of a LOAD DATA [LOCAL] INFILE statement.
// AffectedRows is read before warnings are fetched, so that fetching
// warnings never resets the server-side row counter first.
type LoadResult struct {
	AffectedRows uint64
	Warnings     []Warning
}

// Conn is the capability every ingest component needs from a MySQL
// connection. One Conn talks to one logical database (a worker's data
// database, or the coordinator's central metadata/index database).
type Conn interface {
	// Execute runs a statement with no expectation of rows returned (DDL,
	// simple DML) and reports the number of affected rows.
	Execute(ctx context.Context, query string, args ...any) (affectedRows uint64, err error)

	// Query runs a statement and streams result rows to scan, calling it
	// once per row with the column names and that row's values.
	Query(ctx context.Context, query string, scan func(columns []string, row []any) error, args ...any) error

	// ExecuteInOwnTransaction runs fn inside a fresh MySQL transaction that
	// is committed on success and rolled back on any error returned by fn.
	// Lock-deadlock errors (ErrDeadlock) are retried up to maxRetries times
	// with the transaction restarted from scratch.
	ExecuteInOwnTransaction(ctx context.Context, maxRetries int, fn func(tx Tx) error) error

	// CreateTableLikeIfNotExists issues CREATE TABLE IF NOT EXISTS dst LIKE src.
	CreateTableLikeIfNotExists(ctx context.Context, dst, src string) error

	// AddPartition adds a LIST partition named p<id> keyed on transactionId
	// to table, tolerating "partition already exists".
	AddPartition(ctx context.Context, table string, transactionID uint32) error

	// DropPartition drops the partition keyed on transactionId from table.
	// Returns ErrNoSuchPartition (wrapped) if it was never created.
	DropPartition(ctx context.Context, table string, transactionID uint32) error

	// LoadDataInfile bulk-loads the file at path into table using the given
	// dialect and charset, capturing at most maxWarnings warnings.
	LoadDataInfile(ctx context.Context, table, path string, local bool, dialect Dialect, charset string, maxWarnings int) (LoadResult, error)

	// UnlockTables issues the defensive UNLOCK TABLES that precedes the
	// chunk-table DDL sequence.
	UnlockTables(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// Tx is the subset of Conn usable inside ExecuteInOwnTransaction.
type Tx interface {
	Execute(ctx context.Context, query string, args ...any) (affectedRows uint64, err error)
	CreateTableLikeIfNotExists(ctx context.Context, dst, src string) error
	AddPartition(ctx context.Context, table string, transactionID uint32) error
	LoadDataInfile(ctx context.Context, table, path string, local bool, dialect Dialect, charset string, maxWarnings int) (LoadResult, error)
}

// Dialect mirrors contrib.Dialect without importing that package, keeping
// mysqlconn free of a dependency on the ingest domain types — it is
// reusable by any caller that needs to name a LOAD DATA INFILE dialect.
type Dialect struct {
	FieldsTerminatedBy string
	FieldsEnclosedBy   string
	FieldsEscapedBy    string
	LinesTerminatedBy  string
}
