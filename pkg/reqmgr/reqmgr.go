// Package reqmgr implements the per-worker ingest request manager: three
// queues per process — input (per database), in-progress, output —
// admission under a per-database concurrency cap with global age
// fairness, and crash-recovery classification at startup.
package reqmgr

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// IngestResourceMgr reports the current per-database concurrency limit
// for async contributions (the "async-proc-limit" configuration key). A
// limit of 0 means unlimited.
type IngestResourceMgr interface {
	AsyncProcLimit(ctx context.Context, database string) (int, error)
}

// StoreLimits is the production IngestResourceMgr: it reads the limit off
// the database descriptor at every admission, so an operator raising or
// lowering async-proc-limit is observed by the very next admission pass.
type StoreLimits struct {
	St store.Store
}

func (l StoreLimits) AsyncProcLimit(ctx context.Context, database string) (int, error) {
	db, err := l.St.GetDatabase(ctx, database)
	if err != nil {
		return 0, err
	}
	return db.AsyncProcLimit, nil
}

type trackedRequest struct {
	contrib         store.Contribution
	cancelRequested bool
}

// Manager owns every contribution request a worker process is tracking.
type Manager struct {
	mu sync.Mutex

	st          store.Store
	resourceMgr IngestResourceMgr

	input           map[string][]*trackedRequest
	inProgress      map[uint32]*trackedRequest
	output          map[uint32]*trackedRequest
	inProgressCount map[string]int

	wake chan struct{}
}

// New builds an empty Manager.
func New(st store.Store, resourceMgr IngestResourceMgr) *Manager {
	return &Manager{
		st:              st,
		resourceMgr:     resourceMgr,
		input:           make(map[string][]*trackedRequest),
		inProgress:      make(map[uint32]*trackedRequest),
		output:          make(map[uint32]*trackedRequest),
		inProgressCount: make(map[string]int),
		wake:            make(chan struct{}, 1),
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Submit validates c is IN_PROGRESS with StartTime==0 and appends it to
// the tail of its database's input queue.
func (m *Manager) Submit(ctx context.Context, c store.Contribution) error {
	if c.ID == 0 {
		return ingesterr.New(ingesterr.ErrValidation, "reqmgr: submit requires an assigned id")
	}
	if c.Status != contrib.InProgress {
		return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("reqmgr: contribution %d is not IN_PROGRESS", c.ID))
	}
	if c.StartTime != 0 {
		return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("reqmgr: contribution %d already has a startTime", c.ID))
	}

	if _, err := m.st.PutContribution(ctx, c); err != nil {
		return ingesterr.Wrap(ingesterr.ErrTransient, "reqmgr: persist submitted contribution", err)
	}

	m.mu.Lock()
	m.input[c.Database] = append(m.input[c.Database], &trackedRequest{contrib: c})
	m.mu.Unlock()
	m.signal()
	return nil
}

// admit runs the admission algorithm under the manager's lock: among
// databases whose input queue is non-empty and currently below their
// concurrency limit, pick the one whose head request has the oldest
// createTime.
func (m *Manager) admit(ctx context.Context) (*trackedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var winner *trackedRequest
	var winnerDB string
	for db, queue := range m.input {
		if len(queue) == 0 {
			continue
		}
		limit, err := m.resourceMgr.AsyncProcLimit(ctx, db)
		if err != nil {
			return nil, err
		}
		if limit > 0 && m.inProgressCount[db] >= limit {
			continue
		}
		head := queue[0]
		if winner == nil || head.contrib.CreateTime < winner.contrib.CreateTime {
			winner = head
			winnerDB = db
		}
	}
	if winner == nil {
		return nil, nil
	}

	m.input[winnerDB] = m.input[winnerDB][1:]
	m.inProgress[winner.contrib.ID] = winner
	m.inProgressCount[winnerDB]++
	return winner, nil
}

// Next blocks until a request can be admitted, moves it to in-progress,
// and returns it.
func (m *Manager) Next(ctx context.Context) (store.Contribution, error) {
	for {
		req, err := m.admit(ctx)
		if err != nil {
			return store.Contribution{}, err
		}
		if req != nil {
			return req.contrib, nil
		}
		select {
		case <-ctx.Done():
			return store.Contribution{}, ctx.Err()
		case <-m.wake:
		}
	}
}

// ErrTimerExpired is returned by NextTimeout when no request could be
// admitted before timeout elapsed.
var ErrTimerExpired = ingesterr.New(ingesterr.ErrTransient, "reqmgr: next() timer expired")

// NextTimeout is the bounded-wait variant of Next.
func (m *Manager) NextTimeout(ctx context.Context, timeout time.Duration) (store.Contribution, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		req, err := m.admit(ctx)
		if err != nil {
			return store.Contribution{}, err
		}
		if req != nil {
			return req.contrib, nil
		}
		select {
		case <-ctx.Done():
			return store.Contribution{}, ctx.Err()
		case <-timer.C:
			return store.Contribution{}, ErrTimerExpired
		case <-m.wake:
		}
	}
}

// Completed moves an in-progress request to output and decrements its
// database's concurrency count.
func (m *Manager) Completed(ctx context.Context, id uint32) error {
	m.mu.Lock()
	req, ok := m.inProgress[id]
	if !ok {
		m.mu.Unlock()
		return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("reqmgr: %d is not in progress", id))
	}
	delete(m.inProgress, id)
	m.inProgressCount[req.contrib.Database]--
	m.output[id] = req
	m.mu.Unlock()
	m.signal()

	return m.st.UpdateContribution(ctx, req.contrib)
}

// UpdateInProgress replaces the tracked copy of an in-progress request with
// c and persists it, so that a later Completed does not write back stale
// state. Processing threads call this at each milestone (startTime set,
// read finished, load finished).
func (m *Manager) UpdateInProgress(ctx context.Context, c store.Contribution) error {
	m.mu.Lock()
	req, ok := m.inProgress[c.ID]
	if !ok {
		m.mu.Unlock()
		return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("reqmgr: %d is not in progress", c.ID))
	}
	req.contrib = c
	m.mu.Unlock()

	return m.st.UpdateContribution(ctx, c)
}

// Cancel is deterministic for requests still in the input queue
// (immediately moved to output as CANCELLED), advisory for requests
// in-progress (a flag the processing thread must poll), and a no-op for
// requests already in output.
func (m *Manager) Cancel(ctx context.Context, id uint32) error {
	m.mu.Lock()
	for db, queue := range m.input {
		for i, r := range queue {
			if r.contrib.ID != id {
				continue
			}
			r.contrib.Status = contrib.Cancelled
			m.input[db] = append(queue[:i:i], queue[i+1:]...)
			m.output[id] = r
			m.mu.Unlock()
			return m.st.UpdateContribution(ctx, r.contrib)
		}
	}
	if r, ok := m.inProgress[id]; ok {
		r.cancelRequested = true
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.output[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("reqmgr: unknown request %d", id))
}

// IsCancelRequested lets a processing thread poll the advisory cancel flag
// for an in-progress request at its next checkpoint.
func (m *Manager) IsCancelRequested(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inProgress[id]
	return ok && r.cancelRequested
}

// QueueDepths reports the current length of the input queue (summed across
// all databases this manager tracks), the in-progress set, and the output
// queue, keyed by queue name. Exposed for metrics collection.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var input int
	for _, q := range m.input {
		input += len(q)
	}
	return map[string]int{
		"input":       input,
		"in_progress": len(m.inProgress),
		"output":      len(m.output),
	}
}

// Find is a non-destructive lookup across all three queues, falling back
// to the persistent store.
func (m *Manager) Find(ctx context.Context, id uint32) (store.Contribution, error) {
	m.mu.Lock()
	for _, queue := range m.input {
		for _, r := range queue {
			if r.contrib.ID == id {
				c := r.contrib
				m.mu.Unlock()
				return c, nil
			}
		}
	}
	if r, ok := m.inProgress[id]; ok {
		c := r.contrib
		m.mu.Unlock()
		return c, nil
	}
	if r, ok := m.output[id]; ok {
		c := r.contrib
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	return m.st.GetContribution(ctx, id)
}

// RecoverConfig governs the startup crash-recovery pass.
type RecoverConfig struct {
	// AutoResume selects between the two policy columns of the recovery
	// table: true re-submits recoverable requests, false fails them with
	// RetryAllowed so an operator or client can retry explicitly.
	AutoResume bool
	// DeleteTempFiles removes each recovered request's leftover temp file.
	DeleteTempFiles bool
}

// Recover runs the startup crash-recovery classification: it enumerates
// every STARTED transaction's IN_PROGRESS async contributions, orders
// them newest-first, and classifies each by the last timestamp it
// reached.
func (m *Manager) Recover(ctx context.Context, cfg RecoverConfig) error {
	started := store.StateStarted
	txns, err := m.st.ListTransactions(ctx, "", &started)
	if err != nil {
		return ingesterr.Wrap(ingesterr.ErrTransient, "reqmgr: recover: list STARTED transactions", err)
	}

	var recovered []store.Contribution
	for _, txn := range txns {
		cs, err := m.st.ListContributions(ctx, txn.ID)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ErrTransient, "reqmgr: recover: list contributions", err)
		}
		for _, c := range cs {
			if c.Status != contrib.InProgress || !c.Async {
				continue // only in-progress async contributions have recoverable queue state
			}
			recovered = append(recovered, c)
		}
	}

	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].CreateTime > recovered[j].CreateTime
	})

	for _, c := range recovered {
		if cfg.DeleteTempFiles && c.TmpFile != "" {
			_ = os.Remove(c.TmpFile)
		}
		if err := m.recoverOne(ctx, c, cfg.AutoResume); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, c store.Contribution, autoResume bool) error {
	switch {
	case c.LoadTime > 0:
		// Not reachable for an IN_PROGRESS contribution; nothing to do.
		return nil

	case c.ReadTime > 0:
		// Load may have begun: conservative policy regardless of autoResume.
		c.Status = contrib.LoadFailed
		c.Err = contrib.ErrorContext{Error: "reqmgr: recovered after crash with readTime>0; load may have been applied"}
		c.RetryAllowed = false
		return m.st.UpdateContribution(ctx, c)

	case c.StartTime > 0:
		if autoResume {
			c.StartTime = 0
			return m.Submit(ctx, c)
		}
		c.Status = contrib.ReadFailed
		c.Err = contrib.ErrorContext{Error: "reqmgr: recovered after crash mid-read; autoResume disabled"}
		c.RetryAllowed = true
		return m.st.UpdateContribution(ctx, c)

	default:
		if autoResume {
			return m.Submit(ctx, c)
		}
		c.Status = contrib.StartFailed
		c.Err = contrib.ErrorContext{Error: "reqmgr: recovered after crash before start; autoResume disabled"}
		c.RetryAllowed = true
		return m.st.UpdateContribution(ctx, c)
	}
}
