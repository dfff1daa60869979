// Package contrib implements the transaction-contribution record: the
// per-file ingest workflow's immutable "what" and mutable "how far" state,
// along with its in-place retry semantics.
package contrib

import (
	"fmt"
)

// Status is the current or completion status of a contribution.
type Status int

const (
	// InProgress is the transient state before a terminal status is reached.
	InProgress Status = iota
	// CreateFailed means the request was rejected at registration time.
	CreateFailed
	// StartFailed means the request was dequeued but could not start.
	StartFailed
	// ReadFailed means reading/preprocessing the input failed.
	ReadFailed
	// LoadFailed means bulk-loading into MySQL failed.
	LoadFailed
	// Cancelled means the operator explicitly cancelled the request.
	Cancelled
	// Finished means the contribution loaded successfully.
	Finished
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "IN_PROGRESS"
	case CreateFailed:
		return "CREATE_FAILED"
	case StartFailed:
		return "START_FAILED"
	case ReadFailed:
		return "READ_FAILED"
	case LoadFailed:
		return "LOAD_FAILED"
	case Cancelled:
		return "CANCELLED"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the statuses that end a
// contribution's processing (successfully or not).
func (s Status) IsTerminal() bool {
	switch s {
	case CreateFailed, StartFailed, ReadFailed, LoadFailed, Cancelled, Finished:
		return true
	default:
		return false
	}
}

// Dialect captures the CSV dialect parameters needed to parse and prefix
// each row (field/line terminators, quoting, escaping).
type Dialect struct {
	FieldsTerminatedBy  string
	FieldsEnclosedBy    string
	FieldsEscapedBy     string
	LinesTerminatedBy   string
}

// DefaultDialect mirrors MySQL's LOAD DATA INFILE defaults.
func DefaultDialect() Dialect {
	return Dialect{
		FieldsTerminatedBy: "\t",
		FieldsEnclosedBy:   "",
		FieldsEscapedBy:    "\\",
		LinesTerminatedBy:  "\n",
	}
}

// ErrorContext captures diagnostic detail for a failed contribution or a
// single failed retry attempt.
type ErrorContext struct {
	HTTPError   int
	SystemError int
	Error       string
}

// FailedRetry is a snapshot of the mutable attributes at the time a retry
// was requested, preserved in the history so operators can inspect prior
// attempts.
type FailedRetry struct {
	StartTime uint64
	ReadTime  uint64
	LoadTime  uint64
	NumBytes  uint64
	NumRows   uint64
	TmpFile   string
	Err       ErrorContext
}

// Contribution is one file's ingest attempt under one super-transaction.
// The fields above the "mutable part" comment are set once at registration
// and never change thereafter; the fields below evolve as the contribution
// is processed.
type Contribution struct {
	ID            uint32
	TransactionID uint32
	Worker        string
	Database      string
	Table         string
	Chunk         uint32
	IsOverlap     bool
	URL           string
	Dialect       Dialect
	Async         bool
	HTTPMethod    string
	HTTPData      string
	HTTPHeaders   []string
	MaxRetries    uint32
	CharsetName   string

	// Mutable part.
	Status       Status
	CreateTime   uint64
	StartTime    uint64
	ReadTime     uint64
	LoadTime     uint64
	NumBytes     uint64
	NumRows      uint64
	NumWarnings  uint32
	RetryAllowed bool
	Err          ErrorContext
	TmpFile      string
	FailedRetries []FailedRetry
}

// ValidateTimestamps checks the monotone ordering invariant:
// createTime <= startTime <= readTime <= loadTime, treating 0 as "not
// reached" (it is excluded from the ordering check against the next
// non-zero value only when it is itself 0).
func (c *Contribution) ValidateTimestamps() error {
	ts := []uint64{c.CreateTime, c.StartTime, c.ReadTime, c.LoadTime}
	last := uint64(0)
	for i, t := range ts {
		if t == 0 {
			continue
		}
		if t < last {
			return fmt.Errorf("contrib: timestamp at position %d (%d) precedes an earlier non-zero timestamp (%d)", i, t, last)
		}
		last = t
	}
	return nil
}

// Phase describes which step of the ingest workflow a contribution is
// currently in, purely as an interpretation of its timestamps.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseQueued
	PhaseReading
	PhaseLoading
	PhaseDone
)

// CurrentPhase reports the workflow step implied by the timestamps.
func (c *Contribution) CurrentPhase() Phase {
	switch {
	case c.LoadTime > 0:
		return PhaseDone
	case c.ReadTime > 0:
		return PhaseLoading
	case c.StartTime > 0:
		return PhaseReading
	case c.CreateTime > 0:
		return PhaseQueued
	default:
		return PhaseUnknown
	}
}

// LoadMayHaveBegun reports whether the contribution reached the point where
// partial partition content may already be present in MySQL — i.e.
// readTime > 0. Once true no in-place retry is permitted.
func (c *Contribution) LoadMayHaveBegun() bool {
	return c.ReadTime > 0
}

// Retry moves the current mutable state into the failed-retries history and
// resets the contribution to be re-attempted in place. It fails if
// RetryAllowed is false, or if appending would exceed MaxRetries (when
// MaxRetries is nonzero).
func (c *Contribution) Retry() error {
	if !c.RetryAllowed {
		return fmt.Errorf("contrib: retry not allowed for contribution %d (status %s)", c.ID, c.Status)
	}
	if c.MaxRetries > 0 && uint32(len(c.FailedRetries)) >= c.MaxRetries {
		return fmt.Errorf("contrib: contribution %d exceeded max retries (%d)", c.ID, c.MaxRetries)
	}

	c.FailedRetries = append(c.FailedRetries, FailedRetry{
		StartTime: c.StartTime,
		ReadTime:  c.ReadTime,
		LoadTime:  c.LoadTime,
		NumBytes:  c.NumBytes,
		NumRows:   c.NumRows,
		TmpFile:   c.TmpFile,
		Err:       c.Err,
	})

	c.StartTime = 0
	c.ReadTime = 0
	c.LoadTime = 0
	c.NumBytes = 0
	c.NumRows = 0
	c.TmpFile = ""
	c.Err = ErrorContext{}
	c.Status = InProgress
	return nil
}

// Fail transitions the contribution to a terminal failure status, records
// the error context, and, for failures that occur once the load may have
// begun, clears RetryAllowed so that no further in-place retry is
// possible: the load step is not idempotent once partial partition
// content may be present.
func (c *Contribution) Fail(status Status, errCtx ErrorContext) {
	c.Status = status
	c.Err = errCtx
	if c.LoadMayHaveBegun() {
		c.RetryAllowed = false
	}
}

// Finish marks the contribution successfully loaded.
func (c *Contribution) Finish(numBytes, numRows uint64, numWarnings uint32, loadTime uint64) {
	c.Status = Finished
	c.NumBytes = numBytes
	c.NumRows = numRows
	c.NumWarnings = numWarnings
	c.LoadTime = loadTime
}
