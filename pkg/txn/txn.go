// Package txn implements the super-transaction manager: the centralized,
// per-coordinator service guarding the begin/end transaction lifecycle,
// serialized by named mutexes and backed by the persistent store.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/events"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// JobOutcome is the coarse result of a fan-out job launched by the
// end-transaction protocol.
type JobOutcome struct {
	JobID   string
	Success bool
	Detail  string
}

// AbortRunner runs the distributed abort-transaction fan-out job.
// Implemented by pkg/abortjob; declared here as an interface so txn has no
// import-time dependency on it.
type AbortRunner interface {
	RunAbortTransactionJob(ctx context.Context, transactionID uint32, allWorkers bool) (JobOutcome, error)
}

// DirIndexRunner runs the director-index fan-out job for one director
// table. Implemented by pkg/dirindexjob.
type DirIndexRunner interface {
	RunDirectorIndexJob(ctx context.Context, transactionID uint32, database, directorTable string) (JobOutcome, error)
}

// Manager guards transaction lifecycle transitions.
type Manager struct {
	st             store.Store
	mutexes        *namedmutex.Registry
	centralConn    mysqlconn.Conn
	abortRunner    AbortRunner
	dirIndexRunner DirIndexRunner
	log            zerolog.Logger
	broker         *events.Broker
}

// New builds a Manager. centralConn talks to the coordinator's central
// metadata/director-index database.
func New(st store.Store, mutexes *namedmutex.Registry, centralConn mysqlconn.Conn, abortRunner AbortRunner, dirIndexRunner DirIndexRunner, log zerolog.Logger) *Manager {
	return &Manager{st: st, mutexes: mutexes, centralConn: centralConn, abortRunner: abortRunner, dirIndexRunner: dirIndexRunner, log: log}
}

// SetBroker attaches an events.Broker that receives a notification on each
// transaction state transition. Optional: a Manager with no broker attached
// behaves exactly as before, since (*events.Broker)(nil).Publish is a
// no-op.
func (m *Manager) SetBroker(b *events.Broker) {
	m.broker = b
}

func (m *Manager) appendEvent(ctx context.Context, id uint32, name string, data map[string]string) {
	_ = m.st.AppendTransactionEvent(ctx, id, store.EventLogEntry{
		Timestamp: time.Now().Unix(),
		Name:      name,
		Data:      data,
	})
}

func (m *Manager) notifyState(transactionID uint32, state store.TransactionState) {
	var evType events.EventType
	switch state {
	case store.StateStarted:
		evType = events.EventTransactionStarted
	case store.StateIsFinishing:
		evType = events.EventTransactionFinishing
	case store.StateFinished:
		evType = events.EventTransactionFinished
	case store.StateIsAborting:
		evType = events.EventTransactionAborting
	case store.StateAborted:
		evType = events.EventTransactionAborted
	case store.StateStartFailed, store.StateFinishFailed, store.StateAbortFailed:
		evType = events.EventTransactionFailed
	default:
		return
	}
	m.broker.Publish(&events.Event{
		Type:     evType,
		Message:  fmt.Sprintf("transaction %d -> %s", transactionID, state),
		Metadata: map[string]string{"transactionId": fmt.Sprint(transactionID), "state": state.String()},
	})
}

func centralDirIndexTable(database, director string) string {
	return database + "__" + director
}

// Begin runs the begin-transaction protocol: create the record in
// IS_STARTING, add the new id's partition to every unpublished director
// table's central index when autoBuildDirectorIndex is set, then
// transition to STARTED. It is serialized per database: a second Begin for
// the same database waits for the first to
// finish creating its record and adding director-index partitions, since
// both touch the same central tables.
func (m *Manager) Begin(ctx context.Context, database, txnContext string) (store.TransactionInfo, error) {
	var result store.TransactionInfo

	err := m.mutexes.WithLock("database-begin:"+database, func() error {
		db, err := m.st.GetDatabase(ctx, database)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ErrValidation, "txn: unknown database", err)
		}
		if db.Published {
			return ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("txn: database %s is published", database))
		}

		txn, err := m.st.BeginTransaction(ctx, database, txnContext)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ErrTransient, "txn: create transaction record", err)
		}
		result = txn

		return m.mutexes.WithLock(fmt.Sprintf("transaction:%d", txn.ID), func() error {
			if db.AutoBuildDirectorIndex {
				for _, d := range db.DirectorTables() {
					if d.IsPublished {
						continue
					}
					central := centralDirIndexTable(database, d.Name)
					if err := m.addDirIndexPartition(ctx, txn.ID, central); err != nil {
						_ = m.st.UpdateTransactionState(ctx, txn.ID, store.StateStartFailed)
						result.State = store.StateStartFailed
						return ingesterr.Wrap(ingesterr.ErrTransient, "txn: add director-index partition", err)
					}
				}
			}

			if err := m.st.UpdateTransactionState(ctx, txn.ID, store.StateStarted); err != nil {
				return ingesterr.Wrap(ingesterr.ErrTransient, "txn: transition to STARTED", err)
			}
			result.State = store.StateStarted
			m.notifyState(txn.ID, store.StateStarted)
			return nil
		})
	})

	return result, err
}

func (m *Manager) addDirIndexPartition(ctx context.Context, txnID uint32, central string) error {
	m.appendEvent(ctx, txnID, "begin add dir idx part", map[string]string{"table": central})
	err := m.mutexes.WithLock("table:"+central, func() error {
		return m.centralConn.AddPartition(ctx, central, txnID)
	})
	data := map[string]string{"table": central}
	if err != nil {
		data["error"] = err.Error()
	}
	m.appendEvent(ctx, txnID, "end add dir idx part", data)
	return err
}

// EndResult is the outcome of End: the transaction's final record plus
// whether every director-index build launched by a commit succeeded. The
// flag is true for aborts and for databases with no director tables.
type EndResult struct {
	Txn                        store.TransactionInfo
	SecondaryIndexBuildSuccess bool
}

// End runs the end-transaction protocol. abort selects the direction:
// true drives STARTED -> IS_ABORTING -> ABORTED/ABORT_FAILED, false
// drives STARTED -> IS_FINISHING -> FINISHED/FINISH_FAILED.
func (m *Manager) End(ctx context.Context, transactionID uint32, abort bool) (store.TransactionInfo, error) {
	res, err := m.EndExt(ctx, transactionID, abort)
	return res.Txn, err
}

// EndExt is End with the director-index build outcome exposed.
func (m *Manager) EndExt(ctx context.Context, transactionID uint32, abort bool) (EndResult, error) {
	var result store.TransactionInfo
	indexOK := true

	err := m.mutexes.WithLock(fmt.Sprintf("transaction:%d", transactionID), func() error {
		txn, err := m.st.GetTransaction(ctx, transactionID)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ErrValidation, "txn: unknown transaction", err)
		}
		result = txn

		if txn.State != store.StateStarted {
			return ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("txn: transaction %d is not STARTED (state=%s)", transactionID, txn.State))
		}

		transitional := store.StateIsFinishing
		if abort {
			transitional = store.StateIsAborting
		}
		if err := m.st.UpdateTransactionState(ctx, transactionID, transitional); err != nil {
			return ingesterr.Wrap(ingesterr.ErrTransient, "txn: write transitional state", err)
		}
		result.State = transitional
		m.notifyState(transactionID, transitional)

		db, err := m.st.GetDatabase(ctx, txn.Database)
		if err != nil {
			_ = m.st.UpdateTransactionState(ctx, transactionID, m.failedState(abort))
			result.State = m.failedState(abort)
			return ingesterr.Wrap(ingesterr.ErrTransient, "txn: re-read database", err)
		}

		if abort {
			return m.runAbort(ctx, &result, transactionID, db)
		}
		return m.runFinish(ctx, &result, &indexOK, transactionID, db)
	})

	return EndResult{Txn: result, SecondaryIndexBuildSuccess: indexOK}, err
}

func (m *Manager) failedState(abort bool) store.TransactionState {
	if abort {
		return store.StateAbortFailed
	}
	return store.StateFinishFailed
}

func (m *Manager) runAbort(ctx context.Context, result *store.TransactionInfo, transactionID uint32, db store.DatabaseInfo) error {
	outcome, err := m.abortRunner.RunAbortTransactionJob(ctx, transactionID, true)
	m.appendEvent(ctx, transactionID, "abort job", map[string]string{"jobId": outcome.JobID, "success": fmt.Sprint(outcome.Success), "detail": outcome.Detail})

	if err != nil || !outcome.Success {
		_ = m.st.UpdateTransactionState(ctx, transactionID, store.StateAbortFailed)
		result.State = store.StateAbortFailed
		m.notifyState(transactionID, store.StateAbortFailed)
		if err == nil {
			return ingesterr.New(ingesterr.ErrPartialFailure, "txn: abort-transaction job failed: "+outcome.Detail)
		}
		return ingesterr.Wrap(ingesterr.ErrPartialFailure, "txn: abort-transaction job failed", err)
	}

	var dropFailed error
	for _, d := range db.DirectorTables() {
		if d.IsPublished {
			continue
		}
		central := centralDirIndexTable(db.Name, d.Name)
		dropErr := m.mutexes.WithLock("table:"+central, func() error {
			dropErr := m.centralConn.DropPartition(ctx, central, transactionID)
			if errors.Is(dropErr, mysqlconn.ErrNoSuchPartition) {
				return nil
			}
			return dropErr
		})
		data := map[string]string{"table": central}
		if dropErr != nil {
			data["error"] = dropErr.Error()
			dropFailed = dropErr
		}
		m.appendEvent(ctx, transactionID, "drop dir idx part", data)
	}
	if dropFailed != nil {
		_ = m.st.UpdateTransactionState(ctx, transactionID, store.StateAbortFailed)
		result.State = store.StateAbortFailed
		m.notifyState(transactionID, store.StateAbortFailed)
		return ingesterr.Wrap(ingesterr.ErrPartialFailure, "txn: drop director-index partition", dropFailed)
	}

	if err := m.st.UpdateTransactionState(ctx, transactionID, store.StateAborted); err != nil {
		result.State = store.StateAbortFailed
		m.notifyState(transactionID, store.StateAbortFailed)
		return ingesterr.Wrap(ingesterr.ErrTransient, "txn: write ABORTED", err)
	}
	result.State = store.StateAborted
	m.notifyState(transactionID, store.StateAborted)
	return nil
}

func (m *Manager) runFinish(ctx context.Context, result *store.TransactionInfo, indexOK *bool, transactionID uint32, db store.DatabaseInfo) error {
	if db.AutoBuildDirectorIndex {
		for _, d := range db.DirectorTables() {
			if d.IsPublished {
				continue
			}
			outcome, err := m.dirIndexRunner.RunDirectorIndexJob(ctx, transactionID, db.Name, d.Name)
			data := map[string]string{"table": d.Name, "jobId": outcome.JobID, "success": fmt.Sprint(outcome.Success), "detail": outcome.Detail}
			if err != nil {
				data["error"] = err.Error()
			}
			if err != nil || !outcome.Success {
				*indexOK = false
			}
			m.appendEvent(ctx, transactionID, "director index job", data)
			// A per-table failure is recorded but does not revert the
			// commit; continue with the remaining director tables. The
			// operator can re-run the build with cmd/director-index.
		}
	}

	if err := m.st.UpdateTransactionState(ctx, transactionID, store.StateFinished); err != nil {
		result.State = store.StateFinishFailed
		_ = m.st.UpdateTransactionState(ctx, transactionID, store.StateFinishFailed)
		m.notifyState(transactionID, store.StateFinishFailed)
		return ingesterr.Wrap(ingesterr.ErrTransient, "txn: write FINISHED", err)
	}
	result.State = store.StateFinished
	m.notifyState(transactionID, store.StateFinished)
	return nil
}
