// Package dirindexjob implements the director-index fan-out job: for one
// director table, extract each chunk's index rows on the worker that
// holds the chunk, then load the extracted CSV files into the
// coordinator's central director-index table. It reuses pkg/sqlfanout for
// result aggregation and pkg/mysqlconn's capability interface for the
// central LOAD DATA INFILE.
package dirindexjob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/sqlfanout"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
	"github.com/lsst-dm/qserv-ingest/pkg/txn"
)

// Extractor runs the per-chunk extraction step: dump one chunk's
// director-column index rows to a CSV file and return the path to the
// resulting file, local to the machine running this job.
type Extractor interface {
	ExtractChunk(ctx context.Context, worker, database, directorTable string, transactionID uint32, chunk uint32) (path string, err error)
}

// Config bounds the job's concurrency.
type Config struct {
	// DefaultMaxPerWorker caps concurrent extractions in flight per
	// worker.
	DefaultMaxPerWorker int
	PerWorkerMax        map[string]int
	// NumDirectorIndexConnections is the number of concurrent connections
	// used to load extracted files into the central table.
	NumDirectorIndexConnections int
	Dialect                     mysqlconn.Dialect
	Charset                     string
	MaxWarnings                 int
}

// Service runs director-index jobs.
type Service struct {
	st          store.Store
	centralConn mysqlconn.Conn
	extractor   Extractor
	cfg         Config
	log         zerolog.Logger
}

// New builds a Service.
func New(st store.Store, centralConn mysqlconn.Conn, extractor Extractor, cfg Config, log zerolog.Logger) *Service {
	if cfg.NumDirectorIndexConnections <= 0 {
		cfg.NumDirectorIndexConnections = 1
	}
	return &Service{st: st, centralConn: centralConn, extractor: extractor, cfg: cfg, log: log}
}

type extraction struct {
	chunk uint32
	path  string
}

// RunDirectorIndexJob implements txn.DirIndexRunner.
func (s *Service) RunDirectorIndexJob(ctx context.Context, transactionID uint32, database, directorTable string) (txn.JobOutcome, error) {
	outcome, _, err := s.RunDetailed(ctx, transactionID, database, directorTable)
	return outcome, err
}

// RunDetailed runs the same job as RunDirectorIndexJob but also returns the
// per-worker SqlJobResult from the extraction phase, for callers that need
// to render a report, e.g. cmd/director-index.
func (s *Service) RunDetailed(ctx context.Context, transactionID uint32, database, directorTable string) (txn.JobOutcome, *sqlfanout.SqlJobResult, error) {
	jobID := uuid.New().String()
	outcome := txn.JobOutcome{JobID: jobID}

	t, err := s.st.GetTransaction(ctx, transactionID)
	if err != nil {
		return outcome, nil, ingesterr.Wrap(ingesterr.ErrValidation, "dirindexjob: unknown transaction", err)
	}
	if t.State != store.StateIsFinishing {
		return outcome, nil, ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("dirindexjob: transaction %d is not IS_FINISHING", transactionID))
	}

	assignments, err := s.plan(ctx, transactionID, directorTable)
	if err != nil {
		return outcome, nil, err
	}
	if len(assignments) == 0 {
		outcome.Success = true
		return outcome, sqlfanout.NewSqlJobResult(), nil
	}

	central := database + "__" + directorTable
	result, loadOK := s.launchAndLoad(ctx, transactionID, database, directorTable, central, assignments)

	outcome.Success = result.Success() && loadOK
	if !outcome.Success {
		outcome.Detail = "one or more chunk extractions or loads failed"
	}

	data := map[string]string{"table": central, "success": fmt.Sprint(outcome.Success)}
	_ = s.st.AppendControllerEvent(ctx, store.ControllerEvent{TransactionID: transactionID, JobID: jobID, Name: "director-index", Data: data})

	if !outcome.Success {
		return outcome, result, ingesterr.New(ingesterr.ErrPartialFailure, "dirindexjob: one or more sub-requests failed")
	}
	return outcome, result, nil
}

// plan runs the scanner and planner phases: discover which worker holds
// each chunk contributed under this transaction for directorTable, then
// assign each chunk to exactly one worker, balancing load across workers
// that hold it.
func (s *Service) plan(ctx context.Context, transactionID uint32, directorTable string) (map[string][]uint32, error) {
	workers, err := s.st.ListWorkers(ctx)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: list workers", err)
	}

	chunkWorkers := make(map[uint32][]string)
	for _, w := range workers {
		if !w.Enabled {
			continue
		}
		chunks, err := sqlfanout.EnumerateTransactionChunks(ctx, s.st, transactionID, w.Name, directorTable)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: enumerate transaction chunks", err)
		}
		for _, c := range chunks {
			chunkWorkers[c] = append(chunkWorkers[c], w.Name)
		}
	}

	var chunks []uint32
	for c := range chunkWorkers {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i] < chunks[j] })

	pending := make(map[string]int)
	assignments := make(map[string][]uint32)
	for _, c := range chunks {
		candidates := chunkWorkers[c]
		best := candidates[0]
		for _, w := range candidates[1:] {
			if pending[w] < pending[best] {
				best = w
			}
		}
		pending[best]++
		assignments[best] = append(assignments[best], c)
	}
	return assignments, nil
}

// launchAndLoad runs the launch phase (one extraction pool per worker)
// and the loader phase (a fixed pool of connections draining extracted
// files into the central table) concurrently.
func (s *Service) launchAndLoad(ctx context.Context, transactionID uint32, database, directorTable, central string, assignments map[string][]uint32) (*sqlfanout.SqlJobResult, bool) {
	completed := make(chan extraction, s.cfg.NumDirectorIndexConnections*2+1)
	extractResult := sqlfanout.NewSqlJobResult()

	var extractWG sync.WaitGroup
	for worker, chunks := range assignments {
		maxPerWorker := s.cfg.DefaultMaxPerWorker
		if s.cfg.PerWorkerMax != nil {
			if v, ok := s.cfg.PerWorkerMax[worker]; ok && v > 0 {
				maxPerWorker = v
			}
		}
		if maxPerWorker <= 0 {
			maxPerWorker = 1
		}

		extractWG.Add(1)
		go func(worker string, chunks []uint32, maxPerWorker int) {
			defer extractWG.Done()
			sem := make(chan struct{}, maxPerWorker)
			var inner sync.WaitGroup
			for _, chunk := range chunks {
				sem <- struct{}{}
				inner.Add(1)
				go func(chunk uint32) {
					defer inner.Done()
					defer func() { <-sem }()
					s.extractOne(ctx, worker, database, directorTable, transactionID, chunk, completed, extractResult)
				}(chunk)
			}
			inner.Wait()
		}(worker, chunks, maxPerWorker)
	}

	go func() {
		extractWG.Wait()
		close(completed)
	}()

	loadOK := s.load(ctx, central, completed)
	return extractResult, loadOK
}

func (s *Service) extractOne(ctx context.Context, worker, database, directorTable string, transactionID, chunk uint32, completed chan<- extraction, result *sqlfanout.SqlJobResult) {
	scope := fmt.Sprintf("chunk-%d", chunk)
	path, err := s.extractor.ExtractChunk(ctx, worker, database, directorTable, transactionID, chunk)
	switch {
	case err == nil:
		result.Add(sqlfanout.SubRequestResult{Worker: worker, Scope: scope, Status: sqlfanout.StatusSuccess})
		completed <- extraction{chunk: chunk, path: path}
	case errors.Is(err, mysqlconn.ErrNoSuchPartition):
		// No rows for this chunk on this worker: treated as a completed,
		// empty extraction rather than a failure.
		result.Add(sqlfanout.SubRequestResult{Worker: worker, Scope: scope, Status: sqlfanout.StatusTolerated, Err: err})
	default:
		result.Add(sqlfanout.SubRequestResult{Worker: worker, Scope: scope, Status: sqlfanout.StatusFailed, Err: err})
	}
}

// load runs NumDirectorIndexConnections workers draining completed and
// loading each extracted file into central, stopping early on the first
// hard failure. A central load failure aborts the whole job, unlike a
// per-chunk extraction failure.
func (s *Service) load(ctx context.Context, central string, completed <-chan extraction) bool {
	var wg sync.WaitGroup
	failed := make(chan struct{})
	var failOnce sync.Once
	markFailed := func() { failOnce.Do(func() { close(failed) }) }

	for i := 0; i < s.cfg.NumDirectorIndexConnections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-failed:
					return
				case ex, ok := <-completed:
					if !ok {
						return
					}
					res, err := s.centralConn.LoadDataInfile(ctx, central, ex.path, true, s.cfg.Dialect, s.cfg.Charset, s.cfg.MaxWarnings)
					if err != nil || len(res.Warnings) > 0 {
						s.log.Error().Err(err).Uint32("chunk", ex.chunk).Int("warnings", len(res.Warnings)).Str("table", central).Msg("director index load failed")
						markFailed()
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-failed:
		return false
	default:
		return true
	}
}
