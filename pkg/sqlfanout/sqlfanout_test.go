package sqlfanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

func TestEnumerateTablesRegular(t *testing.T) {
	names, err := EnumerateTables("Source", false, []uint32{100, 101}, AllTables)
	require.NoError(t, err)
	assert.Equal(t, []string{"Source"}, names)
}

func TestEnumerateTablesPartitionedAllTables(t *testing.T) {
	names, err := EnumerateTables("Object", true, []uint32{100}, AllTables)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"Object",
		"Object_1234567890",
		"ObjectFullOverlap_1234567890",
		"Object_100",
		"ObjectFullOverlap_100",
	}, names)
}

func TestEnumerateTablesOverlapOnly(t *testing.T) {
	names, err := EnumerateTables("Object", true, []uint32{100}, OverlapOnly)
	require.NoError(t, err)
	assert.NotContains(t, names, "Object_100")
	assert.Contains(t, names, "ObjectFullOverlap_100")
}

func TestEnumerateTransactionChunks(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "db1"}))
	txn, err := st.BeginTransaction(ctx, "db1", "")
	require.NoError(t, err)

	for _, c := range []store.Contribution{
		{TransactionID: txn.ID, Worker: "w1", Table: "Object", Chunk: 100},
		{TransactionID: txn.ID, Worker: "w1", Table: "Object", Chunk: 101},
		{TransactionID: txn.ID, Worker: "w1", Table: "Object", Chunk: 100}, // duplicate chunk
		{TransactionID: txn.ID, Worker: "w2", Table: "Object", Chunk: 200},
		{TransactionID: txn.ID, Worker: "w1", Table: "Source", Chunk: 300},
	} {
		_, err := st.PutContribution(ctx, c)
		require.NoError(t, err)
	}

	chunks, err := EnumerateTransactionChunks(ctx, st, txn.ID, "w1", "Object")
	require.NoError(t, err)
	assert.Equal(t, []uint32{100, 101}, chunks)
}

func TestSqlJobResultAggregation(t *testing.T) {
	r := NewSqlJobResult()
	r.Add(SubRequestResult{Worker: "w1", Scope: "Object_100", Status: StatusSuccess})
	r.Add(SubRequestResult{Worker: "w1", Scope: "Object_101", Status: StatusFailed, Err: errors.New("boom")})
	r.Add(SubRequestResult{Worker: "w2", Scope: "Object_200", Status: StatusTolerated})

	assert.False(t, r.Success())

	rows := r.ToColumnTable(false)
	require.Len(t, rows, 2) // only the failed + tolerated rows
	assert.Equal(t, "w1", rows[0][0])
	assert.Equal(t, "FAILED", rows[0][2])

	summary := r.SummaryToColumnTable()
	require.Len(t, summary, 2)
}

func TestSqlJobResultMerge(t *testing.T) {
	a := NewSqlJobResult()
	a.Add(SubRequestResult{Worker: "w1", Scope: "t1", Status: StatusSuccess})
	b := NewSqlJobResult()
	b.Add(SubRequestResult{Worker: "w1", Scope: "t2", Status: StatusSuccess})
	b.Add(SubRequestResult{Worker: "w2", Scope: "t3", Status: StatusFailed})

	a.Merge(b)
	rows := a.ToColumnTable(true)
	assert.Len(t, rows, 3)
}

func TestRunRespectsPerWorkerConcurrencyBound(t *testing.T) {
	var current, maxSeen int64
	runner := func(ctx context.Context, worker, scope string) SubRequestResult {
		n := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt64(&maxSeen, m, n) {
				break
			}
		}
		atomic.AddInt64(&current, -1)
		return SubRequestResult{Status: StatusSuccess}
	}

	scopes := make([]string, 20)
	for i := range scopes {
		scopes[i] = fmt.Sprintf("t%d", i)
	}

	result := Run(context.Background(), map[string][]string{"w1": scopes}, 3, runner)
	assert.True(t, atomic.LoadInt64(&maxSeen) <= 3)
	assert.True(t, result.Success())

	rows := result.SummaryToColumnTable()
	require.Len(t, rows, 1)
	assert.Equal(t, "20", rows[0][1])
}

func TestRunLaunchesAllQueuedWorkAcrossWorkers(t *testing.T) {
	queues := map[string][]string{
		"w1": {"a", "b", "c"},
		"w2": {"d"},
	}
	result := Run(context.Background(), queues, 2, func(ctx context.Context, worker, scope string) SubRequestResult {
		return SubRequestResult{Status: StatusSuccess}
	})

	count := 0
	result.Visit(func(worker string, res SubRequestResult) { count++ })
	assert.Equal(t, 4, count)
}
