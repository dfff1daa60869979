package metrics

import (
	"context"
	"time"

	"github.com/lsst-dm/qserv-ingest/pkg/reqmgr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// Collector periodically samples the coordinator store and request
// managers and publishes the results as Prometheus gauges.
type Collector struct {
	st      store.Store
	reqmgrs func() map[string]*reqmgr.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector. reqmgrs returns the live
// set of per-database request managers at collection time, since the set
// changes as databases are registered and published.
func NewCollector(st store.Store, reqmgrs func() map[string]*reqmgr.Manager) *Collector {
	return &Collector{
		st:      st,
		reqmgrs: reqmgrs,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx := context.Background()
	c.collectTransactionMetrics(ctx)
	c.collectContributionMetrics(ctx)
	c.collectReqmgrMetrics()
}

func (c *Collector) collectTransactionMetrics(ctx context.Context) {
	databases, err := c.st.ListDatabases(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, db := range databases {
		txns, err := c.st.ListTransactions(ctx, db.Name, nil)
		if err != nil {
			continue
		}
		for _, t := range txns {
			counts[t.State.String()]++
		}
	}
	for state, n := range counts {
		TransactionsTotal.WithLabelValues(state).Set(float64(n))
	}
}

func (c *Collector) collectContributionMetrics(ctx context.Context) {
	workers, err := c.st.ListWorkers(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, w := range workers {
		contribs, err := c.st.ListContributionsByWorker(ctx, w.Name, nil)
		if err != nil {
			continue
		}
		for _, contrib := range contribs {
			counts[contrib.Status.String()]++
		}
	}
	for status, n := range counts {
		ContributionsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectReqmgrMetrics() {
	if c.reqmgrs == nil {
		return
	}
	for database, mgr := range c.reqmgrs() {
		stats := mgr.QueueDepths()
		for queue, depth := range stats {
			ReqmgrQueueDepth.WithLabelValues(database, queue).Set(float64(depth))
		}
	}
}
