// Package sqlfanout implements the shared per-worker SQL fan-out
// framework the abort-transaction and director-index jobs build on:
// bounded per-worker concurrency, table-enumeration rules for building
// work lists, and SqlJobResult aggregation with column-table rendering.
// The "launch up to N per worker, launch a replacement on completion"
// policy is expressed as a bounded worker pool per worker.
package sqlfanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/chunktable"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// TableEnumMode selects which chunk-table flavors EnumerateTables returns
// for a partitioned base table.
type TableEnumMode int

const (
	AllTables TableEnumMode = iota
	OverlapOnly
	ChunkOnly
)

// EnumerateTables builds the work list of physical table names for a base
// table on one worker: for a partitioned table, the prototype name itself,
// both DUMMY_CHUNK flavors, and per-chunk regular and/or overlap flavors
// per mode; for a regular table, just the base name.
func EnumerateTables(baseName string, partitioned bool, chunks []uint32, mode TableEnumMode) ([]string, error) {
	if !partitioned {
		return []string{baseName}, nil
	}

	out := []string{baseName}

	dummyRegular, err := chunktable.New(baseName, chunktable.DummyChunk, false)
	if err != nil {
		return nil, err
	}
	dummyOverlap, err := chunktable.New(baseName, chunktable.DummyChunk, true)
	if err != nil {
		return nil, err
	}
	dn, _ := dummyRegular.Name()
	on, _ := dummyOverlap.Name()
	out = append(out, dn, on)

	for _, c := range chunks {
		if mode == AllTables || mode == ChunkOnly {
			t, err := chunktable.New(baseName, c, false)
			if err != nil {
				return nil, err
			}
			n, _ := t.Name()
			out = append(out, n)
		}
		if mode == AllTables || mode == OverlapOnly {
			t, err := chunktable.New(baseName, c, true)
			if err != nil {
				return nil, err
			}
			n, _ := t.Name()
			out = append(out, n)
		}
	}
	return out, nil
}

// EnumerateTransactionChunks returns the distinct chunks for which a
// contribution exists under transactionID, on worker, for table.
func EnumerateTransactionChunks(ctx context.Context, st store.Store, transactionID uint32, worker, table string) ([]uint32, error) {
	contribs, err := st.ListContributions(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]bool)
	var out []uint32
	for _, c := range contribs {
		if c.Worker != worker || c.Table != table {
			continue
		}
		if !seen[c.Chunk] {
			seen[c.Chunk] = true
			out = append(out, c.Chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Status classifies one sub-request's outcome.
type Status int

const (
	StatusSuccess Status = iota
	// StatusTolerated marks a sub-request that technically errored (e.g.
	// "partition does not exist") but is treated as success by the
	// calling job class.
	StatusTolerated
	StatusFailed
)

// SubRequestResult is one (worker, scope) sub-request's outcome. Scope is
// typically a table name.
type SubRequestResult struct {
	Worker    string
	Scope     string
	Status    Status
	Err       error
	ElapsedMs int64
}

// SqlJobResult aggregates per-worker sub-request results. Safe for
// concurrent use.
type SqlJobResult struct {
	mu        sync.Mutex
	perWorker map[string][]SubRequestResult
}

// NewSqlJobResult builds an empty result aggregator.
func NewSqlJobResult() *SqlJobResult {
	return &SqlJobResult{perWorker: make(map[string][]SubRequestResult)}
}

// Add records one sub-request's result.
func (r *SqlJobResult) Add(res SubRequestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perWorker[res.Worker] = append(r.perWorker[res.Worker], res)
}

// Merge concatenates other's per-worker lists into r.
func (r *SqlJobResult) Merge(other *SqlJobResult) {
	if other == nil {
		return
	}
	other.mu.Lock()
	snapshot := make(map[string][]SubRequestResult, len(other.perWorker))
	for w, list := range other.perWorker {
		snapshot[w] = append([]SubRequestResult(nil), list...)
	}
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for w, list := range snapshot {
		r.perWorker[w] = append(r.perWorker[w], list...)
	}
}

// Visit calls fn once per recorded sub-request.
func (r *SqlJobResult) Visit(fn func(worker string, res SubRequestResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for w, list := range r.perWorker {
		for _, res := range list {
			fn(w, res)
		}
	}
}

// Success reports whether every recorded sub-request is StatusSuccess or
// StatusTolerated.
func (r *SqlJobResult) Success() bool {
	ok := true
	r.Visit(func(worker string, res SubRequestResult) {
		if res.Status == StatusFailed {
			ok = false
		}
	})
	return ok
}

// ToColumnTable flattens the result to rows of (worker, scope, status,
// error). reportAll=false omits successful rows, keeping only failures
// and tolerated errors.
func (r *SqlJobResult) ToColumnTable(reportAll bool) [][]string {
	var rows [][]string
	r.Visit(func(worker string, res SubRequestResult) {
		if !reportAll && res.Status == StatusSuccess {
			return
		}
		errStr := ""
		if res.Err != nil {
			errStr = res.Err.Error()
		}
		rows = append(rows, []string{worker, res.Scope, statusName(res.Status), errStr})
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})
	return rows
}

// SummaryToColumnTable returns, per worker, counts of successful/tolerated
// and failed sub-requests plus total elapsed time.
func (r *SqlJobResult) SummaryToColumnTable() [][]string {
	type counts struct {
		ok, failed int
		elapsedMs  int64
	}
	byWorker := make(map[string]*counts)
	r.Visit(func(worker string, res SubRequestResult) {
		c, ok := byWorker[worker]
		if !ok {
			c = &counts{}
			byWorker[worker] = c
		}
		if res.Status == StatusFailed {
			c.failed++
		} else {
			c.ok++
		}
		c.elapsedMs += res.ElapsedMs
	})

	workers := make([]string, 0, len(byWorker))
	for w := range byWorker {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		c := byWorker[w]
		rows = append(rows, []string{w, fmt.Sprint(c.ok), fmt.Sprint(c.failed), fmt.Sprintf("%dms", c.elapsedMs)})
	}
	return rows
}

func statusName(s Status) string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusTolerated:
		return "TOLERATED"
	default:
		return "FAILED"
	}
}

// Runner executes one sub-request against worker for scope (typically a
// table name) and classifies its outcome.
type Runner func(ctx context.Context, worker, scope string) SubRequestResult

// Run drains queues (worker -> ordered work list) with up to maxPerWorker
// sub-requests in flight per worker at any time; as soon as one finishes,
// the next queued item for that worker is launched. Workers with the
// largest outstanding queue are started first so stragglers don't
// dominate the job's tail.
func Run(ctx context.Context, queues map[string][]string, maxPerWorker int, runner Runner) *SqlJobResult {
	return RunWithLimits(ctx, queues, nil, maxPerWorker, runner)
}

// RunWithLimits is Run with a per-worker concurrency override:
// limits[worker], when present, replaces defaultLimit for that worker, so
// no worker carries more in-flight sub-requests than its configured
// service-thread count.
func RunWithLimits(ctx context.Context, queues map[string][]string, limits map[string]int, defaultLimit int, runner Runner) *SqlJobResult {
	result := NewSqlJobResult()
	if defaultLimit <= 0 {
		defaultLimit = 1
	}

	workers := make([]string, 0, len(queues))
	for w := range queues {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool {
		if len(queues[workers[i]]) != len(queues[workers[j]]) {
			return len(queues[workers[i]]) > len(queues[workers[j]])
		}
		return workers[i] < workers[j]
	})

	var wg sync.WaitGroup
	for _, w := range workers {
		maxPerWorker := defaultLimit
		if limits != nil {
			if v, ok := limits[w]; ok && v > 0 {
				maxPerWorker = v
			}
		}
		wg.Add(1)
		go func(worker string, scopes []string, maxPerWorker int) {
			defer wg.Done()
			runWorkerPool(ctx, worker, scopes, maxPerWorker, runner, result)
		}(w, queues[w], maxPerWorker)
	}
	wg.Wait()
	return result
}

func runWorkerPool(ctx context.Context, worker string, scopes []string, maxPerWorker int, runner Runner, result *SqlJobResult) {
	sem := make(chan struct{}, maxPerWorker)
	var inner sync.WaitGroup
	for _, scope := range scopes {
		sem <- struct{}{}
		inner.Add(1)
		go func(scope string) {
			defer inner.Done()
			defer func() { <-sem }()
			start := time.Now()
			res := runner(ctx, worker, scope)
			res.Worker = worker
			res.Scope = scope
			res.ElapsedMs = time.Since(start).Milliseconds()
			result.Add(res)
		}(scope)
	}
	inner.Wait()
}
