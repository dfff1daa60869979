// Package httpapi implements the ingest HTTP surface: the coordinator's
// transaction endpoints and the worker's contribution
// registration/retry/status endpoints. Server framing is the standard
// library's; every response is a JSON envelope — either the success
// payload or {"success": 0, "error": ..., "error_ext": {...}} — and every
// mutating request must carry the service's authorization key in its
// body.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// errAuth marks a missing or mismatched authorization key.
var errAuth = ingesterr.New(ingesterr.ErrValidation, "httpapi: authorization key missing or invalid")

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// writeSuccess renders the success envelope: {"success": 1, ...payload}.
func writeSuccess(w http.ResponseWriter, payload map[string]any) {
	out := map[string]any{"success": 1}
	for k, v := range payload {
		out[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// writeError renders the failure envelope with enough detail in error_ext
// to identify the entity at fault.
func writeError(w http.ResponseWriter, err error, ext map[string]any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, ingesterr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ingesterr.ErrStateConflict):
		status = http.StatusConflict
	}
	if ext == nil {
		ext = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":   0,
		"error":     err.Error(),
		"error_ext": ext,
	})
}

// transactionJSON renders a transaction record. Context and the event log
// are included only when requested.
func transactionJSON(t store.TransactionInfo, includeContext, includeLog bool) map[string]any {
	out := map[string]any{
		"id":         t.ID,
		"database":   t.Database,
		"state":      t.State.String(),
		"begin_time": t.BeginTime,
		"end_time":   t.EndTime,
	}
	if includeContext {
		out["context"] = t.Context
	}
	if includeLog {
		log := make([]map[string]any, 0, len(t.Log))
		for _, e := range t.Log {
			log = append(log, map[string]any{"time": e.Timestamp, "name": e.Name, "data": e.Data})
		}
		out["log"] = log
	}
	return out
}

// contribJSON renders a contribution record.
func contribJSON(c store.Contribution) map[string]any {
	return map[string]any{
		"id":                 c.ID,
		"transaction_id":     c.TransactionID,
		"worker":             c.Worker,
		"database":           c.Database,
		"table":              c.Table,
		"chunk":              c.Chunk,
		"overlap":            boolFlag(c.IsOverlap),
		"url":                c.URL,
		"async":              boolFlag(c.Async),
		"status":             c.Status.String(),
		"create_time":        c.CreateTime,
		"start_time":         c.StartTime,
		"read_time":          c.ReadTime,
		"load_time":          c.LoadTime,
		"num_bytes":          c.NumBytes,
		"num_rows":           c.NumRows,
		"num_warnings":       c.NumWarnings,
		"retry_allowed":      boolFlag(c.RetryAllowed),
		"num_failed_retries": len(c.FailedRetries),
		"error":              c.Err.Error,
		"tmp_file":           c.TmpFile,
	}
}

// contribSummaryJSON groups a transaction's contributions by worker and
// table, reporting per-group counts and totals.
func contribSummaryJSON(contribs []store.Contribution) map[string]any {
	type key struct{ worker, table string }
	type agg struct {
		numFinished, numInProgress, numFailed, numCancelled int
		numRows, numBytes                                   uint64
	}
	byGroup := make(map[key]*agg)
	for _, c := range contribs {
		k := key{c.Worker, c.Table}
		a, ok := byGroup[k]
		if !ok {
			a = &agg{}
			byGroup[k] = a
		}
		switch c.Status {
		case contrib.Finished:
			a.numFinished++
		case contrib.InProgress:
			a.numInProgress++
		case contrib.Cancelled:
			a.numCancelled++
		default:
			a.numFailed++
		}
		a.numRows += c.NumRows
		a.numBytes += c.NumBytes
	}

	workers := make(map[string]map[string]any)
	for k, a := range byGroup {
		tables, ok := workers[k.worker]
		if !ok {
			tables = make(map[string]any)
			workers[k.worker] = tables
		}
		tables[k.table] = map[string]any{
			"num_finished":    a.numFinished,
			"num_in_progress": a.numInProgress,
			"num_failed":      a.numFailed,
			"num_cancelled":   a.numCancelled,
			"num_rows":        a.numRows,
			"num_bytes":       a.numBytes,
		}
	}
	return map[string]any{"num_total": len(contribs), "workers": workers}
}

// limitQueued caps the number of concurrently admitted requests (the
// "http-max-queued-requests" key); excess requests are rejected
// immediately with 503 rather than queued behind the listener.
func limitQueued(max int, next http.Handler) http.Handler {
	if max <= 0 {
		return next
	}
	sem := make(chan struct{}, max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success":   0,
				"error":     "httpapi: too many queued requests",
				"error_ext": map[string]any{"max_queued": max},
			})
		}
	})
}
