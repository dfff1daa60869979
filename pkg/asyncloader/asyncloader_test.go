package asyncloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/filesvc"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/reqmgr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

type unlimited struct{}

func (unlimited) AsyncProcLimit(ctx context.Context, database string) (int, error) { return 0, nil }

type allowAll struct{}

func (allowAll) IsChunkAllocated(ctx context.Context, database string, chunk uint32, worker string) (bool, error) {
	return true, nil
}

type fixture struct {
	svc  *Service
	mgr  *reqmgr.Manager
	st   store.Store
	mock *mysqlconn.Mock
	txn  store.TransactionInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	db := store.DatabaseInfo{
		Name: "test101",
		PartitionedTables: []store.TableInfo{
			{Name: "Object", IsPartitioned: true, IsDirector: true},
		},
		RegularTables: []store.TableInfo{{Name: "Filter"}},
	}
	require.NoError(t, st.PutDatabase(ctx, db))

	txn, err := st.BeginTransaction(ctx, "test101", "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateStarted))
	txn.State = store.StateStarted

	mock := mysqlconn.NewMock()
	files := filesvc.New(filesvc.Config{
		Worker:            "worker-01",
		LoaderTmpDir:      t.TempDir(),
		LoaderMaxWarnings: 10,
		IngestCharsetName: "latin1",
		DDLMaxRetries:     2,
	}, st, allowAll{}, namedmutex.NewRegistry(), func(ctx context.Context) (mysqlconn.Conn, error) { return mock, nil }, zerolog.Nop())

	mgr := reqmgr.New(st, unlimited{})
	svc := New(Config{NumProcessingThreads: 1, MaxWarnings: 10}, mgr, files, st, nil, zerolog.Nop())
	return &fixture{svc: svc, mgr: mgr, st: st, mock: mock, txn: txn}
}

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
	return path
}

func (f *fixture) submit(t *testing.T, c store.Contribution) store.Contribution {
	t.Helper()
	c.TransactionID = f.txn.ID
	c.Database = "test101"
	c.Worker = "worker-01"
	c.Async = true
	c.Status = contrib.InProgress
	c.CreateTime = 1
	c.Dialect = contrib.DefaultDialect()
	c.CharsetName = "latin1"
	c.RetryAllowed = true
	stored, err := f.st.PutContribution(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Submit(context.Background(), stored))
	return stored
}

func TestProcessLoadsFileContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeCSV(t, "1\tfoo\n2\tbar\n")
	c := f.submit(t, store.Contribution{Table: "Object", Chunk: 100, URL: "file://" + path})

	admitted, err := f.mgr.Next(ctx)
	require.NoError(t, err)
	final := f.svc.Process(ctx, admitted, nil)
	require.NoError(t, f.mgr.UpdateInProgress(ctx, final))
	require.NoError(t, f.mgr.Completed(ctx, c.ID))

	assert.Equal(t, contrib.Finished, final.Status)
	assert.EqualValues(t, 2, final.NumRows)
	assert.NotZero(t, final.StartTime)
	assert.NotZero(t, final.ReadTime)
	assert.NotZero(t, final.LoadTime)
	require.NoError(t, final.ValidateTimestamps())
	assert.True(t, f.mock.HasPartition("Object_100", f.txn.ID))

	persisted, err := f.st.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contrib.Finished, persisted.Status)
}

func TestProcessMissingSourceIsReadFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, store.Contribution{Table: "Object", Chunk: 100, URL: "file:///does/not/exist.csv"})
	admitted, err := f.mgr.Next(ctx)
	require.NoError(t, err)

	final := f.svc.Process(ctx, admitted, nil)
	assert.Equal(t, contrib.ReadFailed, final.Status)
	assert.NotEmpty(t, final.Err.Error)
	assert.True(t, final.RetryAllowed)
}

func TestProcessInactiveTransactionIsStartFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeCSV(t, "1\tfoo\n")
	f.submit(t, store.Contribution{Table: "Object", Chunk: 100, URL: "file://" + path})
	admitted, err := f.mgr.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, f.st.UpdateTransactionState(ctx, f.txn.ID, store.StateIsAborting))

	final := f.svc.Process(ctx, admitted, nil)
	assert.Equal(t, contrib.StartFailed, final.Status)
}

func TestProcessObservesCancelCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeCSV(t, "1\tfoo\n")
	f.submit(t, store.Contribution{Table: "Object", Chunk: 100, URL: "file://" + path})
	admitted, err := f.mgr.Next(ctx)
	require.NoError(t, err)

	final := f.svc.Process(ctx, admitted, func() bool { return true })
	assert.Equal(t, contrib.Cancelled, final.Status)
	assert.False(t, f.mock.HasPartition("Object_100", f.txn.ID))
}

func TestRunPoolDrainsQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeCSV(t, "1\tfoo\n")
	first := f.submit(t, store.Contribution{Table: "Object", Chunk: 100, URL: "file://" + path})
	second := f.submit(t, store.Contribution{Table: "Filter", URL: "file://" + path})

	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		a, errA := f.st.GetContribution(context.Background(), first.ID)
		b, errB := f.st.GetContribution(context.Background(), second.ID)
		return errA == nil && errB == nil && a.Status == contrib.Finished && b.Status == contrib.Finished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLoadRowsInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := store.Contribution{
		TransactionID: f.txn.ID,
		Database:      "test101",
		Worker:        "worker-01",
		Table:         "Object",
		Chunk:         101,
		Status:        contrib.InProgress,
		CreateTime:    1,
		Dialect:       contrib.DefaultDialect(),
		CharsetName:   "latin1",
	}
	stored, err := f.st.PutContribution(ctx, c)
	require.NoError(t, err)

	final := f.svc.LoadRows(ctx, stored, [][]string{{"1", "foo"}, {"2", "bar"}, {"3", "baz"}})
	assert.Equal(t, contrib.Finished, final.Status)
	assert.EqualValues(t, 3, final.NumRows)
	assert.True(t, f.mock.HasPartition("Object_101", f.txn.ID))
}
