package mysqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// DriverConn is the concrete Conn backed by database/sql and
// github.com/go-sql-driver/mysql: a single *sql.DB, parameterized queries,
// and explicit error classification on MySQL error numbers.
type DriverConn struct {
	db *sql.DB
}

// Dial opens a connection pool to dsn (a go-sql-driver/mysql DSN) and
// verifies it is reachable.
func Dial(ctx context.Context, dsn string) (*DriverConn, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlconn: open %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlconn: ping: %w", err)
	}
	return &DriverConn{db: db}, nil
}

func (c *DriverConn) Close() error { return c.db.Close() }

func (c *DriverConn) Execute(ctx context.Context, query string, args ...any) (uint64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (c *DriverConn) Query(ctx context.Context, query string, scan func(columns []string, row []any) error, args ...any) error {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		if err := scan(cols, dest); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (c *DriverConn) UnlockTables(ctx context.Context) error {
	_, err := c.Execute(ctx, "UNLOCK TABLES")
	return err
}

func (c *DriverConn) CreateTableLikeIfNotExists(ctx context.Context, dst, src string) error {
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` LIKE `%s`", dst, src)
	_, err := c.Execute(ctx, q)
	return err
}

func (c *DriverConn) AddPartition(ctx context.Context, table string, transactionID uint32) error {
	q := fmt.Sprintf("ALTER TABLE `%s` ADD PARTITION IF NOT EXISTS (PARTITION p%d VALUES IN (%d))",
		table, transactionID, transactionID)
	_, err := c.Execute(ctx, q)
	return err
}

func (c *DriverConn) DropPartition(ctx context.Context, table string, transactionID uint32) error {
	q := fmt.Sprintf("ALTER TABLE `%s` DROP PARTITION p%d", table, transactionID)
	_, err := c.Execute(ctx, q)
	if err != nil {
		if errors.Is(err, ErrNoSuchPartition) {
			return err
		}
		return classify(err)
	}
	return nil
}

func (c *DriverConn) LoadDataInfile(ctx context.Context, table, path string, local bool, dialect Dialect, charset string, maxWarnings int) (LoadResult, error) {
	return loadDataInfile(ctx, execer{db: c.db}, table, path, local, dialect, charset, maxWarnings)
}

func (c *DriverConn) ExecuteInOwnTransaction(ctx context.Context, maxRetries int, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("mysqlconn: begin transaction: %w", err)
		}
		wrapped := &driverTx{ctx: ctx, tx: tx}
		if err := fn(wrapped); err != nil {
			tx.Rollback()
			if errors.Is(err, ErrDeadlock) && attempt < maxRetries {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			lastErr = classify(err)
			if errors.Is(lastErr, ErrDeadlock) && attempt < maxRetries {
				continue
			}
			return lastErr
		}
		return nil
	}
	return lastErr
}

type driverTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *driverTx) Execute(ctx context.Context, query string, args ...any) (uint64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return uint64(n), err
}

func (t *driverTx) CreateTableLikeIfNotExists(ctx context.Context, dst, src string) error {
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` LIKE `%s`", dst, src)
	_, err := t.Execute(ctx, q)
	return err
}

func (t *driverTx) AddPartition(ctx context.Context, table string, transactionID uint32) error {
	q := fmt.Sprintf("ALTER TABLE `%s` ADD PARTITION IF NOT EXISTS (PARTITION p%d VALUES IN (%d))",
		table, transactionID, transactionID)
	_, err := t.Execute(ctx, q)
	return err
}

func (t *driverTx) LoadDataInfile(ctx context.Context, table, path string, local bool, dialect Dialect, charset string, maxWarnings int) (LoadResult, error) {
	return loadDataInfile(ctx, execer{tx: t.tx}, table, path, local, dialect, charset, maxWarnings)
}

// execer abstracts over *sql.DB and *sql.Tx for the shared LOAD DATA INFILE
// helper below.
type execer struct {
	db *sql.DB
	tx *sql.Tx
}

func (e execer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.tx != nil {
		return e.tx.ExecContext(ctx, query, args...)
	}
	return e.db.ExecContext(ctx, query, args...)
}

func (e execer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if e.tx != nil {
		return e.tx.QueryContext(ctx, query, args...)
	}
	return e.db.QueryContext(ctx, query, args...)
}

func loadDataInfile(ctx context.Context, e execer, table, path string, local bool, dialect Dialect, charset string, maxWarnings int) (LoadResult, error) {
	localKw := ""
	if local {
		localKw = "LOCAL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "LOAD DATA %s INFILE '%s' INTO TABLE `%s`", localKw, path, table)
	if charset != "" {
		fmt.Fprintf(&b, " CHARACTER SET %s", charset)
	}
	fmt.Fprintf(&b, " FIELDS TERMINATED BY '%s'", escape(dialect.FieldsTerminatedBy))
	if dialect.FieldsEnclosedBy != "" {
		fmt.Fprintf(&b, " ENCLOSED BY '%s'", escape(dialect.FieldsEnclosedBy))
	}
	if dialect.FieldsEscapedBy != "" {
		fmt.Fprintf(&b, " ESCAPED BY '%s'", escape(dialect.FieldsEscapedBy))
	}
	fmt.Fprintf(&b, " LINES TERMINATED BY '%s'", escape(dialect.LinesTerminatedBy))

	res, err := e.ExecContext(ctx, b.String())
	if err != nil {
		return LoadResult{}, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return LoadResult{}, err
	}

	// Warnings must be read before the caller does anything that could
	// reset the loaded-row counter; since affected was already captured
	// above this ordering is safe.
	warnings, err := showWarnings(ctx, e, maxWarnings)
	if err != nil {
		return LoadResult{}, err
	}

	return LoadResult{AffectedRows: uint64(affected), Warnings: warnings}, nil
}

func showWarnings(ctx context.Context, e execer, maxWarnings int) ([]Warning, error) {
	rows, err := e.QueryContext(ctx, "SHOW WARNINGS")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var level, message string
		var code uint16
		if err := rows.Scan(&level, &code, &message); err != nil {
			return nil, err
		}
		if maxWarnings > 0 && len(out) >= maxWarnings {
			continue
		}
		out = append(out, Warning{Level: level, Code: code, Message: message})
	}
	return out, rows.Err()
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// MySQL error numbers relevant to classification. See
// https://dev.mysql.com/doc/mysql-errors/.
const (
	erDupEntry           = 1062
	erDropPartitionNonEx = 1507
	erUnknownPartition   = 1735
	erLockDeadlock       = 1213
	erLockWaitTimeout    = 1205
)

// classify maps a raw go-sql-driver/mysql error onto the sentinel errors
// that ingest components branch on, preserving errors.Is matching.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case erDupEntry:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, mysqlErr.Message)
		case erDropPartitionNonEx, erUnknownPartition:
			return fmt.Errorf("%w: %s", ErrNoSuchPartition, mysqlErr.Message)
		case erLockDeadlock, erLockWaitTimeout:
			return fmt.Errorf("%w: %s", ErrDeadlock, mysqlErr.Message)
		}
	}
	return err
}

// TransactionPartitionName returns the MySQL partition name conventionally
// used for a super-transaction id, exported for callers constructing raw
// DDL outside of AddPartition/DropPartition (e.g. diagnostics).
func TransactionPartitionName(transactionID uint32) string {
	return "p" + strconv.FormatUint(uint64(transactionID), 10)
}
