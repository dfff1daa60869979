// Package filesvc implements the per-worker ingest file service: the
// open/writeRow/loadDataIntoTable/close contract that ingests a single
// contribution into a worker's local MySQL atomically at the granularity
// of super-transaction × table × chunk.
package filesvc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/chunktable"
	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// Allocator answers whether a chunk is allocated to this worker, standing
// in for the external CSS catalog.
type Allocator interface {
	IsChunkAllocated(ctx context.Context, database string, chunk uint32, worker string) (bool, error)
}

// ConnFactory opens a fresh connection to the worker's data database; one
// is opened for every load.
type ConnFactory func(ctx context.Context) (mysqlconn.Conn, error)

// Config carries the worker-side loader knobs.
type Config struct {
	Worker            string
	LoaderTmpDir      string
	LoaderMaxWarnings int
	IngestCharsetName string
	DDLMaxRetries     int
}

// Service is the per-worker file ingest service.
type Service struct {
	cfg       Config
	store     store.Store
	allocator Allocator
	mutexes   *namedmutex.Registry
	conns     ConnFactory
	log       zerolog.Logger
}

// New builds a Service.
func New(cfg Config, st store.Store, allocator Allocator, mutexes *namedmutex.Registry, conns ConnFactory, log zerolog.Logger) *Service {
	return &Service{cfg: cfg, store: st, allocator: allocator, mutexes: mutexes, conns: conns, log: log}
}

// OpenRequest describes the contribution to ingest.
type OpenRequest struct {
	TransactionID uint32
	Database      string
	Table         string
	Dialect       contrib.Dialect
	Charset       string
	Chunk         uint32
	IsOverlap     bool
	IsPartitioned bool
}

// Session is a single open contribution's write handle. It is not safe for
// concurrent use by more than one goroutine.
type Session struct {
	svc *Service
	req OpenRequest

	mu     sync.Mutex
	file   *os.File
	path   string
	prefix []byte
	closed bool
}

// Open validates the request and returns a Session with a fresh temp file
// ready to receive rows.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	txn, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ErrValidation, "filesvc: unknown transaction", err)
	}
	if txn.State != store.StateStarted {
		return nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("filesvc: transaction %d is not STARTED", req.TransactionID))
	}

	db, err := s.store.GetDatabase(ctx, req.Database)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ErrValidation, "filesvc: unknown database", err)
	}
	if db.Published {
		return nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("filesvc: database %s is published", req.Database))
	}

	found := false
	for _, t := range db.AllTables() {
		if t.Name == req.Table {
			found = true
			break
		}
	}
	if !found {
		return nil, ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("filesvc: table %s does not belong to database %s", req.Table, req.Database))
	}

	if req.IsPartitioned {
		allocated, err := s.allocator.IsChunkAllocated(ctx, req.Database, req.Chunk, s.cfg.Worker)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: allocation check failed", err)
		}
		if !allocated {
			return nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("filesvc: chunk %d not allocated to worker %s", req.Chunk, s.cfg.Worker))
		}
	}

	path, f, err := s.createTempFile(req)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: cannot create temp file", err)
	}

	prefix := []byte(fmt.Sprintf("%d%s", req.TransactionID, req.Dialect.FieldsTerminatedBy))

	return &Session{svc: s, req: req, file: f, path: path, prefix: prefix}, nil
}

// createTempFile names the temp file after the database, table, chunk and
// transaction plus four random tokens, so concurrent sessions in the
// worker's loader-temp dir can never collide.
func (s *Service) createTempFile(req OpenRequest) (string, *os.File, error) {
	tokens := make([]string, 4)
	for i := range tokens {
		tokens[i] = uuid.New().String()[:8]
	}
	name := fmt.Sprintf("%s.%s.%d.%d.%s.%s.%s.%s.csv",
		req.Database, req.Table, req.Chunk, req.TransactionID, tokens[0], tokens[1], tokens[2], tokens[3])
	path := filepath.Join(s.svcTmpDir(), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", nil, err
	}
	return path, f, nil
}

func (s *Service) svcTmpDir() string { return s.cfg.LoaderTmpDir }

// WriteRow writes one row: the precomputed transaction-id prefix, the row
// bytes, then the dialect's line terminator.
func (sess *Session) WriteRow(row []byte) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return fmt.Errorf("filesvc: session already closed")
	}
	if _, err := sess.file.Write(sess.prefix); err != nil {
		return err
	}
	if _, err := sess.file.Write(row); err != nil {
		return err
	}
	_, err := sess.file.Write([]byte(sess.req.Dialect.LinesTerminatedBy))
	return err
}

// LoadResult is the outcome of a successful loadDataIntoTable.
type LoadResult struct {
	AffectedRows uint64
	Warnings     []mysqlconn.Warning
}

func toMysqlDialect(d contrib.Dialect) mysqlconn.Dialect {
	return mysqlconn.Dialect{
		FieldsTerminatedBy: d.FieldsTerminatedBy,
		FieldsEnclosedBy:   d.FieldsEnclosedBy,
		FieldsEscapedBy:    d.FieldsEscapedBy,
		LinesTerminatedBy:  d.LinesTerminatedBy,
	}
}

// LoadDataIntoTable flushes the temp file, re-verifies the transaction is
// still STARTED, and executes the ordered DDL/DML sequence inside the
// worker's MySQL. maxWarnings bounds how many warnings are captured from
// the load.
func (sess *Session) LoadDataIntoTable(ctx context.Context, maxWarnings int) (LoadResult, error) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return LoadResult{}, fmt.Errorf("filesvc: session already closed")
	}
	if err := sess.file.Sync(); err != nil {
		sess.mu.Unlock()
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: flush temp file", err)
	}
	sess.mu.Unlock()

	svc := sess.svc
	req := sess.req

	txn, err := svc.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrValidation, "filesvc: unknown transaction", err)
	}
	if txn.State != store.StateStarted {
		return LoadResult{}, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("filesvc: transaction %d is no longer STARTED", req.TransactionID))
	}

	db, err := svc.store.GetDatabase(ctx, req.Database)
	if err != nil {
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrValidation, "filesvc: unknown database", err)
	}

	conn, err := svc.conns(ctx)
	if err != nil {
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: cannot open MySQL connection", err)
	}
	defer conn.Close()

	if err := conn.UnlockTables(ctx); err != nil {
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: UNLOCK TABLES", err)
	}

	dest, err := sess.ddlSequence(ctx, conn, db)
	if err != nil {
		return LoadResult{}, err
	}

	res, err := sess.loadSequence(ctx, conn, dest)
	if err != nil {
		return LoadResult{}, err
	}

	if err := sess.postLoadAbortCheck(ctx, conn, dest); err != nil {
		return LoadResult{}, err
	}

	return res, nil
}

// ddlSequence creates every partitioned table's physical quartet (if
// req.IsPartitioned) and adds the transaction's partition to the
// destination table, inside one retried logical transaction guarded by
// per-table named mutexes. The quartet is created for every partitioned
// table of the database, not just the one being loaded: every chunk must
// be represented in every partitioned table, an invariant the query
// planner relies on.
func (sess *Session) ddlSequence(ctx context.Context, conn mysqlconn.Conn, db store.DatabaseInfo) (string, error) {
	svc := sess.svc
	req := sess.req

	var dest string
	err := conn.ExecuteInOwnTransaction(ctx, svc.cfg.DDLMaxRetries, func(tx mysqlconn.Tx) error {
		if req.IsPartitioned {
			for _, t := range db.PartitionedTables {
				regular, overlapT, dummyRegular, dummyOverlap, err := chunktable.Quartet(t.Name, req.Chunk)
				if err != nil {
					return ingesterr.Wrap(ingesterr.ErrValidation, "filesvc: building physical quartet", err)
				}
				for _, phys := range []chunktable.Table{regular, overlapT, dummyRegular, dummyOverlap} {
					name, _ := phys.Name()
					if err := svc.mutexes.WithLock("table:"+name, func() error {
						return tx.CreateTableLikeIfNotExists(ctx, name, t.Name)
					}); err != nil {
						return ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: CREATE TABLE LIKE "+name, err)
					}
				}

				if t.Name == req.Table {
					var target chunktable.Table
					if req.IsOverlap {
						target = overlapT
					} else {
						target = regular
					}
					name, _ := target.Name()
					dest = name
				}
			}
			if dest == "" {
				return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("filesvc: table %s is not partitioned in database %s", req.Table, req.Database))
			}
		} else {
			dest = req.Table
		}

		return svc.mutexes.WithLock("table:"+dest, func() error {
			return tx.AddPartition(ctx, dest, req.TransactionID)
		})
	})
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: DDL sequence", err)
	}
	return dest, nil
}

// loadSequence runs the LOAD DATA INFILE step. It does not retry on
// deadlock: the load is only idempotent while the partition is freshly
// created.
func (sess *Session) loadSequence(ctx context.Context, conn mysqlconn.Conn, dest string) (LoadResult, error) {
	svc := sess.svc
	req := sess.req

	var out LoadResult
	err := conn.ExecuteInOwnTransaction(ctx, 0, func(tx mysqlconn.Tx) error {
		res, err := tx.LoadDataInfile(ctx, dest, sess.path, true, toMysqlDialect(req.Dialect), req.Charset, svc.cfg.LoaderMaxWarnings)
		if err != nil {
			return err
		}
		out = LoadResult{AffectedRows: res.AffectedRows, Warnings: res.Warnings}
		return nil
	})
	if err != nil {
		return LoadResult{}, ingesterr.Wrap(ingesterr.ErrDataError, "filesvc: LOAD DATA INFILE", err)
	}
	return out, nil
}

// postLoadAbortCheck guards the race between a load commit and an abort
// of the parent transaction: if the transaction was aborted while the
// load was in flight, the just-added partition is removed on a
// best-effort basis and the caller is told to fail the contribution with
// LOAD_FAILED.
func (sess *Session) postLoadAbortCheck(ctx context.Context, conn mysqlconn.Conn, dest string) error {
	svc := sess.svc
	req := sess.req

	txn, err := svc.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return ingesterr.Wrap(ingesterr.ErrTransient, "filesvc: post-load transaction re-read", err)
	}
	if txn.State != store.StateAborted && txn.State != store.StateIsAborting {
		return nil
	}

	_ = conn.DropPartition(ctx, dest, req.TransactionID) // best effort
	return ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("filesvc: transaction %d aborted during load", req.TransactionID))
}

// Path returns the session's temp file path, recorded in the contribution
// record so crash recovery can remove leftovers.
func (sess *Session) Path() string { return sess.path }

// Close closes and best-effort deletes the temp file.
func (sess *Session) Close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	sess.file.Close()
	os.Remove(sess.path)
}
