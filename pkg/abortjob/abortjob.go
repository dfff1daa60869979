// Package abortjob implements the distributed abort-transaction fan-out
// job: drop the transaction's partition from every unpublished user
// table, across every participating worker, tolerating "partition does
// not exist". Built on pkg/sqlfanout's shared scheduler.
package abortjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/sqlfanout"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
	"github.com/lsst-dm/qserv-ingest/pkg/txn"
)

// ConnFactory opens a connection to a worker's data database for the
// duration of one sub-request.
type ConnFactory func(ctx context.Context, worker string) (mysqlconn.Conn, error)

// Config carries the per-worker concurrency bound.
type Config struct {
	DefaultMaxPerWorker int
	PerWorkerMax        map[string]int
}

// Service runs abort-transaction jobs.
type Service struct {
	st    store.Store
	conns ConnFactory
	cfg   Config
	log   zerolog.Logger
}

// New builds a Service.
func New(st store.Store, conns ConnFactory, cfg Config, log zerolog.Logger) *Service {
	return &Service{st: st, conns: conns, cfg: cfg, log: log}
}

// RunAbortTransactionJob implements txn.AbortRunner.
func (s *Service) RunAbortTransactionJob(ctx context.Context, transactionID uint32, allWorkers bool) (txn.JobOutcome, error) {
	outcome, _, err := s.RunDetailed(ctx, transactionID, allWorkers)
	return outcome, err
}

// RunDetailed runs the same job as RunAbortTransactionJob but also returns
// the per-worker SqlJobResult, for callers that need to render a report,
// e.g. cmd/abort-transaction.
func (s *Service) RunDetailed(ctx context.Context, transactionID uint32, allWorkers bool) (txn.JobOutcome, *sqlfanout.SqlJobResult, error) {
	jobID := uuid.New().String()

	t, err := s.st.GetTransaction(ctx, transactionID)
	if err != nil {
		return txn.JobOutcome{JobID: jobID}, nil, ingesterr.Wrap(ingesterr.ErrValidation, "abortjob: unknown transaction", err)
	}
	if t.State != store.StateIsAborting {
		return txn.JobOutcome{JobID: jobID}, nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("abortjob: transaction %d is not IS_ABORTING", transactionID))
	}

	db, err := s.st.GetDatabase(ctx, t.Database)
	if err != nil {
		return txn.JobOutcome{JobID: jobID}, nil, ingesterr.Wrap(ingesterr.ErrValidation, "abortjob: unknown database", err)
	}
	if db.Published {
		return txn.JobOutcome{JobID: jobID}, nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("abortjob: database %s is already published", db.Name))
	}

	queues, err := s.buildQueues(ctx, transactionID, db, allWorkers)
	if err != nil {
		return txn.JobOutcome{JobID: jobID}, nil, err
	}

	runner := func(ctx context.Context, worker, table string) sqlfanout.SubRequestResult {
		conn, err := s.conns(ctx, worker)
		if err != nil {
			return sqlfanout.SubRequestResult{Status: sqlfanout.StatusFailed, Err: err}
		}
		defer conn.Close()

		dropErr := conn.DropPartition(ctx, table, transactionID)
		switch {
		case dropErr == nil:
			return sqlfanout.SubRequestResult{Status: sqlfanout.StatusSuccess}
		case errors.Is(dropErr, mysqlconn.ErrNoSuchPartition):
			// Tolerated: the partition may legitimately never have been
			// created on this worker x table pair.
			return sqlfanout.SubRequestResult{Status: sqlfanout.StatusTolerated, Err: dropErr}
		default:
			return sqlfanout.SubRequestResult{Status: sqlfanout.StatusFailed, Err: dropErr}
		}
	}

	result := sqlfanout.RunWithLimits(ctx, queues, s.cfg.PerWorkerMax, s.cfg.DefaultMaxPerWorker, runner)

	outcome := txn.JobOutcome{JobID: jobID, Success: result.Success()}
	if !outcome.Success {
		outcome.Detail = "one or more partition drops failed"
	}

	data := map[string]string{"success": fmt.Sprint(outcome.Success)}
	_ = s.st.AppendControllerEvent(ctx, store.ControllerEvent{TransactionID: transactionID, JobID: jobID, Name: "abort-transaction", Data: data})

	if !outcome.Success {
		return outcome, result, ingesterr.New(ingesterr.ErrPartialFailure, "abortjob: one or more sub-requests failed")
	}
	return outcome, result, nil
}

// buildQueues enumerates, per worker, every unpublished regular and
// partitioned table's physical names to drop the transaction's partition
// from.
func (s *Service) buildQueues(ctx context.Context, transactionID uint32, db store.DatabaseInfo, allWorkers bool) (map[string][]string, error) {
	workers, err := s.st.ListWorkers(ctx)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ErrTransient, "abortjob: list workers", err)
	}

	var replicaWorkers map[string]bool
	if !allWorkers {
		replicaWorkers = make(map[string]bool)
		replicas, err := s.st.ListReplicas(ctx, db.Name, nil)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.ErrTransient, "abortjob: list replicas", err)
		}
		for _, r := range replicas {
			replicaWorkers[r.Worker] = true
		}
	}

	queues := make(map[string][]string)
	for _, w := range workers {
		if !w.Enabled {
			continue
		}
		if replicaWorkers != nil && !replicaWorkers[w.Name] {
			continue
		}

		var tables []string
		for _, t := range db.AllTables() {
			if t.IsPublished {
				continue
			}
			if t.IsPartitioned {
				chunks, err := sqlfanout.EnumerateTransactionChunks(ctx, s.st, transactionID, w.Name, t.Name)
				if err != nil {
					return nil, ingesterr.Wrap(ingesterr.ErrTransient, "abortjob: enumerate transaction chunks", err)
				}
				names, err := sqlfanout.EnumerateTables(t.Name, true, chunks, sqlfanout.AllTables)
				if err != nil {
					return nil, ingesterr.Wrap(ingesterr.ErrValidation, "abortjob: enumerate tables", err)
				}
				tables = append(tables, names...)
			} else {
				tables = append(tables, t.Name)
			}
		}
		if len(tables) > 0 {
			queues[w.Name] = tables
		}
	}
	return queues, nil
}
