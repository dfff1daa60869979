package abortjob

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

func setup(t *testing.T) (*Service, store.Store, *mysqlconn.Mock) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mock := mysqlconn.NewMock()
	conns := func(ctx context.Context, worker string) (mysqlconn.Conn, error) { return mock, nil }
	svc := New(st, conns, Config{DefaultMaxPerWorker: 2}, zerolog.Nop())
	return svc, st, mock
}

func mustBeginAborting(t *testing.T, st store.Store, db store.DatabaseInfo) uint32 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := st.BeginTransaction(ctx, db.Name, "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateStarted))
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateIsAborting))
	return txn.ID
}

func TestRunAbortTransactionJobDropsPartitionsAcrossWorkers(t *testing.T) {
	svc, st, mock := setup(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name: "test101",
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true},
		},
	}
	txnID := mustBeginAborting(t, st, db)

	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w2", Enabled: true}))

	for _, c := range []store.Contribution{
		{TransactionID: txnID, Worker: "w1", Table: "Object", Chunk: 100},
		{TransactionID: txnID, Worker: "w2", Table: "Object", Chunk: 200},
	} {
		_, err := st.PutContribution(ctx, c)
		require.NoError(t, err)
	}

	// Seed the partitions the job is expected to drop.
	mock.AddPartition(ctx, "Object_100", txnID)
	mock.AddPartition(ctx, "Object_200", txnID)

	outcome, err := svc.RunAbortTransactionJob(ctx, txnID, true)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.False(t, mock.HasPartition("Object_100", txnID))
	assert.False(t, mock.HasPartition("Object_200", txnID))

	events, err := st.ListControllerEvents(ctx, txnID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "abort-transaction", events[0].Name)
}

func TestRunAbortTransactionJobToleratesMissingPartition(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:          "test101",
		RegularTables: []store.TableInfo{{Name: "RefTable"}},
	}
	txnID := mustBeginAborting(t, st, db)
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))

	// No contribution recorded and the partition was never added; the
	// regular table is still in scope because it isn't chunk-filtered.
	outcome, err := svc.RunAbortTransactionJob(ctx, txnID, true)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRunAbortTransactionJobRejectsWrongState(t *testing.T) {
	svc, st, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "test101"}))
	txn, err := st.BeginTransaction(ctx, "test101", "")
	require.NoError(t, err)

	_, err = svc.RunAbortTransactionJob(ctx, txn.ID, true)
	assert.Error(t, err)
}

func TestRunAbortTransactionJobFailurePropagates(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	boom := assert.AnError
	conns := func(ctx context.Context, worker string) (mysqlconn.Conn, error) {
		return nil, boom
	}
	svc := New(st, conns, Config{DefaultMaxPerWorker: 1}, zerolog.Nop())

	db := store.DatabaseInfo{
		RegularTables: []store.TableInfo{{Name: "RefTable"}},
	}
	db.Name = "test101"
	txnID := mustBeginAborting(t, st, db)
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))

	outcome, err := svc.RunAbortTransactionJob(ctx, txnID, true)
	assert.Error(t, err)
	assert.False(t, outcome.Success)
}
