package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

type stubAbortRunner struct {
	outcome JobOutcome
	err     error
	calls   int
}

func (s *stubAbortRunner) RunAbortTransactionJob(ctx context.Context, transactionID uint32, allWorkers bool) (JobOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubDirIndexRunner struct {
	outcome JobOutcome
	err     error
	calls   int
}

func (s *stubDirIndexRunner) RunDirectorIndexJob(ctx context.Context, transactionID uint32, database, directorTable string) (JobOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

func newTestManager(t *testing.T) (*Manager, store.Store, *mysqlconn.Mock, *stubAbortRunner, *stubDirIndexRunner) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	centralConn := mysqlconn.NewMock()
	abortRunner := &stubAbortRunner{outcome: JobOutcome{JobID: "abort-1", Success: true}}
	dirIndexRunner := &stubDirIndexRunner{outcome: JobOutcome{JobID: "dirindex-1", Success: true}}

	mgr := New(st, namedmutex.NewRegistry(), centralConn, abortRunner, dirIndexRunner, zerolog.Nop())
	return mgr, st, centralConn, abortRunner, dirIndexRunner
}

func TestBeginTransactionAddsDirIndexPartitions(t *testing.T) {
	mgr, st, centralConn, _, _ := newTestManager(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:                   "test101",
		AutoBuildDirectorIndex: true,
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true},
		},
	}
	require.NoError(t, st.PutDatabase(ctx, db))

	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)
	assert.Equal(t, store.StateStarted, txn.State)
	assert.True(t, centralConn.HasPartition("test101__Object", txn.ID))

	got, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStarted, got.State)

	names := make([]string, 0, len(got.Log))
	for _, e := range got.Log {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "begin add dir idx part")
	assert.Contains(t, names, "end add dir idx part")
}

func TestBeginTransactionRejectsPublishedDatabase(t *testing.T) {
	mgr, st, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "published", Published: true}))

	_, err := mgr.Begin(ctx, "published", "")
	assert.Error(t, err)
}

func TestEndTransactionFinish(t *testing.T) {
	mgr, st, _, _, dirIndexRunner := newTestManager(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:                   "test101",
		AutoBuildDirectorIndex: true,
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true},
		},
	}
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)

	result, err := mgr.End(ctx, txn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.StateFinished, result.State)
	assert.Equal(t, 1, dirIndexRunner.calls)
}

func TestEndTransactionAbortDropsPartitions(t *testing.T) {
	mgr, st, centralConn, abortRunner, _ := newTestManager(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:                   "test101",
		AutoBuildDirectorIndex: true,
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true},
		},
	}
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)
	require.True(t, centralConn.HasPartition("test101__Object", txn.ID))

	result, err := mgr.End(ctx, txn.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.StateAborted, result.State)
	assert.Equal(t, 1, abortRunner.calls)
	assert.False(t, centralConn.HasPartition("test101__Object", txn.ID))
}

func TestEndTransactionAbortDirIndexDropFailureYieldsAbortFailed(t *testing.T) {
	mgr, st, centralConn, _, _ := newTestManager(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:                   "test101",
		AutoBuildDirectorIndex: true,
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true},
		},
	}
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)

	centralConn.FailDropPartition["test101__Object"] = errors.New("server has gone away")

	result, err := mgr.End(ctx, txn.ID, true)
	assert.Error(t, err)
	assert.Equal(t, store.StateAbortFailed, result.State)

	got, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAbortFailed, got.State)
}

func TestEndTransactionSkipsPublishedDirectorTables(t *testing.T) {
	mgr, st, centralConn, _, dirIndexRunner := newTestManager(t)
	ctx := context.Background()

	db := store.DatabaseInfo{
		Name:                   "test101",
		AutoBuildDirectorIndex: true,
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true, IsPublished: true},
		},
	}
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)
	require.False(t, centralConn.HasPartition("test101__Object", txn.ID))

	result, err := mgr.End(ctx, txn.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.StateFinished, result.State)
	assert.Equal(t, 0, dirIndexRunner.calls)
}

func TestEndTransactionAbortJobFailureYieldsAbortFailed(t *testing.T) {
	mgr, st, _, abortRunner, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "test101"}))
	txn, err := mgr.Begin(ctx, "test101", "")
	require.NoError(t, err)

	abortRunner.outcome = JobOutcome{Success: false, Detail: "worker unreachable"}

	result, err := mgr.End(ctx, txn.ID, true)
	assert.Error(t, err)
	assert.Equal(t, store.StateAbortFailed, result.State)

	got, err := st.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAbortFailed, got.State)
}

func TestEndTransactionRejectsNonStartedTransaction(t *testing.T) {
	mgr, st, _, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "test101"}))
	txn, err := st.BeginTransaction(ctx, "test101", "")
	require.NoError(t, err)

	_, err = mgr.End(ctx, txn.ID, false)
	assert.Error(t, err)
}
