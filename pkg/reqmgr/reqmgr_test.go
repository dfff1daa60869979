package reqmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

type fixedLimits struct{ limits map[string]int }

func (f fixedLimits) AsyncProcLimit(ctx context.Context, database string) (int, error) {
	return f.limits[database], nil
}

func newTestManager(t *testing.T, limits map[string]int) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, fixedLimits{limits: limits}), st
}

func mkContrib(id uint32, db string, createTime uint64) store.Contribution {
	return store.Contribution{
		ID:         id,
		Database:   db,
		Async:      true,
		Status:     contrib.InProgress,
		CreateTime: createTime,
	}
}

func TestSubmitNextCompletedRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 100)))

	got, err := m.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ID)

	require.NoError(t, m.Completed(ctx, 1))

	found, err := m.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, contrib.InProgress, found.Status)
}

func TestAdmissionPrefersOldestCreateTimeAcrossDatabases(t *testing.T) {
	m, _ := newTestManager(t, map[string]int{"db1": 0, "db2": 0})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 200)))
	require.NoError(t, m.Submit(ctx, mkContrib(2, "db2", 100)))

	got, err := m.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.ID, "db2's head has the older createTime")
}

func TestAdmissionRespectsPerDatabaseLimit(t *testing.T) {
	m, _ := newTestManager(t, map[string]int{"db1": 1})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 100)))
	require.NoError(t, m.Submit(ctx, mkContrib(2, "db1", 200)))

	first, err := m.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.ID)

	nctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = m.NextTimeout(nctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimerExpired)

	require.NoError(t, m.Completed(ctx, 1))
	second, err := m.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.ID)
}

func TestUpdateInProgressRefreshesTrackedCopy(t *testing.T) {
	m, st := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 100)))
	got, err := m.Next(ctx)
	require.NoError(t, err)

	got.StartTime = 500
	got.NumRows = 7
	require.NoError(t, m.UpdateInProgress(ctx, got))
	require.NoError(t, m.Completed(ctx, 1))

	persisted, err := st.GetContribution(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 500, persisted.StartTime)
	assert.EqualValues(t, 7, persisted.NumRows)
}

func TestUpdateInProgressRejectsUnknownRequest(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.UpdateInProgress(context.Background(), mkContrib(9, "db1", 1))
	assert.Error(t, err)
}

func TestStoreLimitsReadsDatabaseDescriptor(t *testing.T) {
	_, st := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "db1", AsyncProcLimit: 3}))

	limits := StoreLimits{St: st}
	limit, err := limits.AsyncProcLimit(ctx, "db1")
	require.NoError(t, err)
	assert.Equal(t, 3, limit)

	_, err = limits.AsyncProcLimit(ctx, "missing")
	assert.Error(t, err)
}

func TestCancelDeterministicInInputQueue(t *testing.T) {
	m, _ := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 100)))
	require.NoError(t, m.Cancel(ctx, 1))

	got, err := m.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, contrib.Cancelled, got.Status)
}

func TestCancelAdvisoryInProgress(t *testing.T) {
	m, _ := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, mkContrib(1, "db1", 100)))
	_, err := m.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, 1))
	assert.True(t, m.IsCancelRequested(1))
}

func TestCancelUnknownFails(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.Cancel(context.Background(), 999)
	assert.Error(t, err)
}

func TestRecoverClassification(t *testing.T) {
	m, st := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	db := store.DatabaseInfo{Name: "db1"}
	require.NoError(t, st.PutDatabase(ctx, db))
	txn, err := st.BeginTransaction(ctx, "db1", "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateStarted))

	readStarted := store.Contribution{TransactionID: txn.ID, Database: "db1", Async: true, Status: contrib.InProgress, CreateTime: 1, ReadTime: 5}
	midStart := store.Contribution{TransactionID: txn.ID, Database: "db1", Async: true, Status: contrib.InProgress, CreateTime: 2, StartTime: 5}
	onlyCreated := store.Contribution{TransactionID: txn.ID, Database: "db1", Async: true, Status: contrib.InProgress, CreateTime: 3}

	for _, c := range []store.Contribution{readStarted, midStart, onlyCreated} {
		_, err := st.PutContribution(ctx, c)
		require.NoError(t, err)
	}

	require.NoError(t, m.Recover(ctx, RecoverConfig{AutoResume: false}))

	all, err := st.ListContributions(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)

	byCreate := map[uint64]store.Contribution{}
	for _, c := range all {
		byCreate[c.CreateTime] = c
	}

	assert.Equal(t, contrib.LoadFailed, byCreate[1].Status)
	assert.False(t, byCreate[1].RetryAllowed)

	assert.Equal(t, contrib.ReadFailed, byCreate[2].Status)
	assert.True(t, byCreate[2].RetryAllowed)

	assert.Equal(t, contrib.StartFailed, byCreate[3].Status)
	assert.True(t, byCreate[3].RetryAllowed)
}

func TestRecoverAutoResumeResubmits(t *testing.T) {
	m, st := newTestManager(t, map[string]int{"db1": 0})
	ctx := context.Background()

	require.NoError(t, st.PutDatabase(ctx, store.DatabaseInfo{Name: "db1"}))
	txn, err := st.BeginTransaction(ctx, "db1", "")
	require.NoError(t, err)
	require.NoError(t, st.UpdateTransactionState(ctx, txn.ID, store.StateStarted))

	midStart := store.Contribution{TransactionID: txn.ID, Database: "db1", Async: true, Status: contrib.InProgress, CreateTime: 2, StartTime: 5}
	_, err = st.PutContribution(ctx, midStart)
	require.NoError(t, err)

	require.NoError(t, m.Recover(ctx, RecoverConfig{AutoResume: true}))

	got, err := m.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.StartTime)
}
