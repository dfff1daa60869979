package dirindexjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

type fakeExtractor struct {
	dir     string
	failFor map[uint32]error
}

func (f *fakeExtractor) ExtractChunk(ctx context.Context, worker, database, directorTable string, transactionID uint32, chunk uint32) (string, error) {
	if err, ok := f.failFor[chunk]; ok {
		return "", err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("chunk-%d.csv", chunk))
	if err := os.WriteFile(path, []byte("1,2,3\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func mustBeginFinishing(t *testing.T, st store.Store, db store.DatabaseInfo) uint32 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := st.BeginTransaction(ctx, db.Name, "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateStarted))
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateIsFinishing))
	return txn.ID
}

func TestRunDirectorIndexJobLoadsExtractedChunks(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	txnID := mustBeginFinishing(t, st, store.DatabaseInfo{Name: "test101"})
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w2", Enabled: true}))

	for _, c := range []store.Contribution{
		{TransactionID: txnID, Worker: "w1", Table: "Object", Chunk: 100},
		{TransactionID: txnID, Worker: "w2", Table: "Object", Chunk: 200},
	} {
		_, err := st.PutContribution(ctx, c)
		require.NoError(t, err)
	}

	mock := mysqlconn.NewMock()
	extractor := &fakeExtractor{dir: t.TempDir(), failFor: map[uint32]error{}}
	svc := New(st, mock, extractor, Config{DefaultMaxPerWorker: 2, NumDirectorIndexConnections: 2}, zerolog.Nop())

	outcome, err := svc.RunDirectorIndexJob(ctx, txnID, "test101", "Object")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Len(t, mock.LoadCalls, 2)

	events, err := st.ListControllerEvents(ctx, txnID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "director-index", events[0].Name)
}

func TestRunDirectorIndexJobToleratesMissingChunkData(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	txnID := mustBeginFinishing(t, st, store.DatabaseInfo{Name: "test101"})
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))
	_, err = st.PutContribution(ctx, store.Contribution{TransactionID: txnID, Worker: "w1", Table: "Object", Chunk: 100})
	require.NoError(t, err)

	mock := mysqlconn.NewMock()
	extractor := &fakeExtractor{dir: t.TempDir(), failFor: map[uint32]error{100: mysqlconn.ErrNoSuchPartition}}
	svc := New(st, mock, extractor, Config{DefaultMaxPerWorker: 1, NumDirectorIndexConnections: 1}, zerolog.Nop())

	outcome, err := svc.RunDirectorIndexJob(ctx, txnID, "test101", "Object")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Empty(t, mock.LoadCalls)
}

func TestRunDirectorIndexJobFailsOnLoadError(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	txnID := mustBeginFinishing(t, st, store.DatabaseInfo{Name: "test101"})
	require.NoError(t, st.PutWorker(ctx, store.WorkerInfo{Name: "w1", Enabled: true}))
	_, err = st.PutContribution(ctx, store.Contribution{TransactionID: txnID, Worker: "w1", Table: "Object", Chunk: 100})
	require.NoError(t, err)

	mock := mysqlconn.NewMock()
	mock.FailLoad["test101__Object"] = assert.AnError
	extractor := &fakeExtractor{dir: t.TempDir(), failFor: map[uint32]error{}}
	svc := New(st, mock, extractor, Config{DefaultMaxPerWorker: 1, NumDirectorIndexConnections: 1}, zerolog.Nop())

	outcome, err := svc.RunDirectorIndexJob(ctx, txnID, "test101", "Object")
	assert.Error(t, err)
	assert.False(t, outcome.Success)
}

func TestRunDirectorIndexJobRejectsWrongState(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "test101"}))
	txn, err := st.BeginTransaction(ctx, "test101", "")
	require.NoError(t, err)

	mock := mysqlconn.NewMock()
	extractor := &fakeExtractor{dir: t.TempDir()}
	svc := New(st, mock, extractor, Config{DefaultMaxPerWorker: 1, NumDirectorIndexConnections: 1}, zerolog.Nop())

	_, err = svc.RunDirectorIndexJob(ctx, txn.ID, "test101", "Object")
	assert.Error(t, err)
}
