// Package store defines the persistent metadata the ingest core depends
// on (databases, tables, workers, transactions, contributions, replicas,
// controller events) and a bbolt-backed implementation: one bucket per
// entity kind, JSON encoding, byte-slice keys.
package store

import (
	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
)

// TableInfo describes one table of a database.
type TableInfo struct {
	Name          string
	IsPartitioned bool
	IsDirector    bool
	IsPublished   bool
	// DirectorColumn is the primary-key column name of a director table,
	// used by the director-index job's central table layout.
	DirectorColumn string
}

// DatabaseInfo is the descriptor of one ingested database.
type DatabaseInfo struct {
	Name                   string
	Family                 string
	Published              bool
	AutoBuildDirectorIndex bool
	RegularTables          []TableInfo
	PartitionedTables      []TableInfo

	// AsyncProcLimit is the database's maximum number of concurrently
	// processed async contributions per worker; 0 means unlimited (the
	// "async-proc-limit" configuration key).
	AsyncProcLimit int
}

// DirectorTables returns the partitioned tables flagged as director tables.
func (d DatabaseInfo) DirectorTables() []TableInfo {
	var out []TableInfo
	for _, t := range d.PartitionedTables {
		if t.IsDirector {
			out = append(out, t)
		}
	}
	return out
}

// AllTables returns regular and partitioned tables together.
func (d DatabaseInfo) AllTables() []TableInfo {
	out := make([]TableInfo, 0, len(d.RegularTables)+len(d.PartitionedTables))
	out = append(out, d.RegularTables...)
	out = append(out, d.PartitionedTables...)
	return out
}

// WorkerInfo identifies a worker node.
type WorkerInfo struct {
	Name         string
	DataDir      string
	LoaderTmpDir string
	Enabled      bool
	ReadOnly     bool
}

// TransactionState is the super-transaction lifecycle state.
type TransactionState int

const (
	StateIsStarting TransactionState = iota
	StateStarted
	StateIsFinishing
	StateFinished
	StateIsAborting
	StateAborted
	StateStartFailed
	StateFinishFailed
	StateAbortFailed
)

func (s TransactionState) String() string {
	switch s {
	case StateIsStarting:
		return "IS_STARTING"
	case StateStarted:
		return "STARTED"
	case StateIsFinishing:
		return "IS_FINISHING"
	case StateFinished:
		return "FINISHED"
	case StateIsAborting:
		return "IS_ABORTING"
	case StateAborted:
		return "ABORTED"
	case StateStartFailed:
		return "START_FAILED"
	case StateFinishFailed:
		return "FINISH_FAILED"
	case StateAbortFailed:
		return "ABORT_FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s admits no further transition.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case StateFinished, StateAborted, StateStartFailed, StateFinishFailed, StateAbortFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the edge s -> next is one of the defined
// transitions of the transaction lifecycle. Terminal states have no
// outgoing edges.
func (s TransactionState) CanTransitionTo(next TransactionState) bool {
	switch s {
	case StateIsStarting:
		return next == StateStarted || next == StateStartFailed
	case StateStarted:
		return next == StateIsFinishing || next == StateIsAborting
	case StateIsFinishing:
		return next == StateFinished || next == StateFinishFailed
	case StateIsAborting:
		return next == StateAborted || next == StateAbortFailed
	default:
		return false
	}
}

// EventLogEntry is one append-only record in a transaction's event log.
type EventLogEntry struct {
	Timestamp int64
	Name      string
	Data      map[string]string
}

// TransactionInfo is the persisted super-transaction record.
type TransactionInfo struct {
	ID         uint32
	Database   string
	State      TransactionState
	Context    string // free-form JSON
	Log        []EventLogEntry
	BeginTime  int64
	EndTime    int64
}

// ReplicaInfo records that a (worker, database, chunk) replica exists and
// its size, consulted by ingest to know where chunks are allocated.
type ReplicaInfo struct {
	Worker   string
	Database string
	Chunk    uint32
	Exists   bool
	Size     uint64
}

// ControllerEvent is a coordinator-side audit record, e.g. a fan-out
// job's progress snapshots and final outcome.
type ControllerEvent struct {
	ID            uint64
	Timestamp     int64
	TransactionID uint32
	JobID         string
	Name          string
	Data          map[string]string
}

// Contribution is the persisted shape of one transaction-contribution
// record; store re-exports it so callers can refer to store.Contribution
// alongside the other entity types defined in this file.
type Contribution = contrib.Contribution
