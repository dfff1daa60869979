package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/reqmgr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// Processor drives one registered contribution through the file-service
// lifecycle. Implemented by pkg/asyncloader's Service.
type Processor interface {
	Process(ctx context.Context, c store.Contribution, cancelled func() bool) store.Contribution
	LoadRows(ctx context.Context, c store.Contribution, rows [][]string) store.Contribution
}

// Worker serves a worker's contribution endpoints:
//
//	POST   /ingest/file             register + process synchronously
//	POST   /ingest/file-async       register + queue
//	PUT    /ingest/file/{id}        retry synchronously
//	PUT    /ingest/file-async/{id}  retry asynchronously
//	GET    /ingest/file-async/{id}  status
//	DELETE /ingest/file-async/{id}  cancel
//	POST   /ingest/data             inline JSON rows, synchronous
type Worker struct {
	Mgr        *reqmgr.Manager
	St         store.Store
	Proc       Processor
	WorkerName string
	AuthKey    string
	Charset    string
	Log        zerolog.Logger
}

// Routes builds the worker's handler. maxQueued caps concurrently
// admitted requests; 0 disables the cap.
func (s *Worker) Routes(maxQueued int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/file", s.registerSync)
	mux.HandleFunc("POST /ingest/file-async", s.registerAsync)
	mux.HandleFunc("PUT /ingest/file/{id}", s.retrySync)
	mux.HandleFunc("PUT /ingest/file-async/{id}", s.retryAsync)
	mux.HandleFunc("GET /ingest/file-async/{id}", s.status)
	mux.HandleFunc("DELETE /ingest/file-async/{id}", s.cancel)
	mux.HandleFunc("POST /ingest/data", s.data)
	return limitQueued(maxQueued, mux)
}

type registerRequest struct {
	AuthKey            string   `json:"auth_key"`
	TransactionID      uint32   `json:"transaction_id"`
	Table              string   `json:"table"`
	Chunk              uint32   `json:"chunk"`
	Overlap            int      `json:"overlap"`
	URL                string   `json:"url"`
	CharsetName        string   `json:"charset_name"`
	MaxRetries         uint32   `json:"max_retries"`
	HTTPMethod         string   `json:"http_method"`
	HTTPData           string   `json:"http_data"`
	HTTPHeaders        []string `json:"http_headers"`
	FieldsTerminatedBy string   `json:"fields_terminated_by"`
	FieldsEnclosedBy   string   `json:"fields_enclosed_by"`
	FieldsEscapedBy    string   `json:"fields_escaped_by"`
	LinesTerminatedBy  string   `json:"lines_terminated_by"`
}

func (r registerRequest) dialect() contrib.Dialect {
	d := contrib.DefaultDialect()
	if r.FieldsTerminatedBy != "" {
		d.FieldsTerminatedBy = r.FieldsTerminatedBy
	}
	if r.FieldsEnclosedBy != "" {
		d.FieldsEnclosedBy = r.FieldsEnclosedBy
	}
	if r.FieldsEscapedBy != "" {
		d.FieldsEscapedBy = r.FieldsEscapedBy
	}
	if r.LinesTerminatedBy != "" {
		d.LinesTerminatedBy = r.LinesTerminatedBy
	}
	return d
}

// register validates the request and persists the new contribution
// record. A validation failure is itself recorded, as a CREATE_FAILED
// contribution, so operators can audit rejected registrations.
func (s *Worker) register(ctx context.Context, req registerRequest, async bool) (store.Contribution, error) {
	c := store.Contribution{
		TransactionID: req.TransactionID,
		Worker:        s.WorkerName,
		Table:         req.Table,
		Chunk:         req.Chunk,
		IsOverlap:     req.Overlap != 0,
		URL:           req.URL,
		Dialect:       req.dialect(),
		Async:         async,
		HTTPMethod:    req.HTTPMethod,
		HTTPData:      req.HTTPData,
		HTTPHeaders:   req.HTTPHeaders,
		MaxRetries:    req.MaxRetries,
		CharsetName:   req.CharsetName,
		Status:        contrib.InProgress,
		CreateTime:    uint64(time.Now().UnixMilli()),
		RetryAllowed:  true,
	}
	if c.CharsetName == "" {
		c.CharsetName = s.Charset
	}

	if err := s.validateRegistration(ctx, &c); err != nil {
		c.Fail(contrib.CreateFailed, contrib.ErrorContext{Error: err.Error()})
		stored, putErr := s.St.PutContribution(ctx, c)
		if putErr == nil {
			c = stored
		}
		return c, err
	}

	stored, err := s.St.PutContribution(ctx, c)
	if err != nil {
		return c, ingesterr.Wrap(ingesterr.ErrTransient, "httpapi: persist contribution", err)
	}
	return stored, nil
}

func (s *Worker) validateRegistration(ctx context.Context, c *store.Contribution) error {
	if c.Table == "" {
		return ingesterr.New(ingesterr.ErrValidation, "httpapi: table is required")
	}
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed source url", err)
		}
		switch u.Scheme {
		case "", "file", "http", "https":
		default:
			return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("httpapi: unsupported url scheme %q", u.Scheme))
		}
	}

	t, err := s.St.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: unknown transaction", err)
	}
	if t.State != store.StateStarted {
		return ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("httpapi: transaction %d is not STARTED", c.TransactionID))
	}
	c.Database = t.Database

	db, err := s.St.GetDatabase(ctx, t.Database)
	if err != nil {
		return ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: unknown database", err)
	}
	if db.Published {
		return ingesterr.New(ingesterr.ErrStateConflict, fmt.Sprintf("httpapi: database %s is published", db.Name))
	}
	for _, tbl := range db.AllTables() {
		if tbl.Name == c.Table {
			return nil
		}
	}
	return ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("httpapi: table %s does not belong to database %s", c.Table, db.Name))
}

func (s *Worker) decodeRegister(w http.ResponseWriter, r *http.Request) (registerRequest, bool) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return req, false
	}
	if req.AuthKey == "" || req.AuthKey != s.AuthKey {
		writeError(w, errAuth, nil)
		return req, false
	}
	if req.URL == "" {
		writeError(w, ingesterr.New(ingesterr.ErrValidation, "httpapi: url is required"), nil)
		return req, false
	}
	return req, true
}

func (s *Worker) registerSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegister(w, r)
	if !ok {
		return
	}
	c, err := s.register(r.Context(), req, false)
	if err != nil {
		writeError(w, err, map[string]any{"contrib": contribJSON(c)})
		return
	}

	final := s.Proc.Process(r.Context(), c, nil)
	writeSuccess(w, map[string]any{"contrib": contribJSON(final)})
}

func (s *Worker) registerAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegister(w, r)
	if !ok {
		return
	}
	c, err := s.register(r.Context(), req, true)
	if err != nil {
		writeError(w, err, map[string]any{"contrib": contribJSON(c)})
		return
	}

	if err := s.Mgr.Submit(r.Context(), c); err != nil {
		writeError(w, err, map[string]any{"id": c.ID})
		return
	}
	writeSuccess(w, map[string]any{"contrib": contribJSON(c)})
}

type retryRequest struct {
	AuthKey string `json:"auth_key"`
}

// loadForRetry fetches the contribution and applies the in-place retry
// mutation: mutable state moves into the failed-retries history and the
// record returns to IN_PROGRESS.
func (s *Worker) loadForRetry(w http.ResponseWriter, r *http.Request) (store.Contribution, bool) {
	var zero store.Contribution
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return zero, false
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return zero, false
	}
	if req.AuthKey == "" || req.AuthKey != s.AuthKey {
		writeError(w, errAuth, nil)
		return zero, false
	}

	c, err := s.Mgr.Find(r.Context(), id)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: unknown contribution", err), map[string]any{"id": id})
		return zero, false
	}
	if err := c.Retry(); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrStateConflict, "httpapi: retry rejected", err), map[string]any{"contrib": contribJSON(c)})
		return zero, false
	}
	if err := s.St.UpdateContribution(r.Context(), c); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrTransient, "httpapi: persist retried contribution", err), map[string]any{"id": id})
		return zero, false
	}
	return c, true
}

func (s *Worker) retrySync(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadForRetry(w, r)
	if !ok {
		return
	}
	final := s.Proc.Process(r.Context(), c, nil)
	writeSuccess(w, map[string]any{"contrib": contribJSON(final)})
}

func (s *Worker) retryAsync(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadForRetry(w, r)
	if !ok {
		return
	}
	if err := s.Mgr.Submit(r.Context(), c); err != nil {
		writeError(w, err, map[string]any{"id": c.ID})
		return
	}
	writeSuccess(w, map[string]any{"contrib": contribJSON(c)})
}

func (s *Worker) status(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	c, err := s.Mgr.Find(r.Context(), id)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: unknown contribution", err), map[string]any{"id": id})
		return
	}
	writeSuccess(w, map[string]any{"contrib": contribJSON(c)})
}

func (s *Worker) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return
	}
	if req.AuthKey == "" || req.AuthKey != s.AuthKey {
		writeError(w, errAuth, nil)
		return
	}
	if err := s.Mgr.Cancel(r.Context(), id); err != nil {
		writeError(w, err, map[string]any{"id": id})
		return
	}
	c, err := s.Mgr.Find(r.Context(), id)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrTransient, "httpapi: re-read cancelled contribution", err), map[string]any{"id": id})
		return
	}
	writeSuccess(w, map[string]any{"contrib": contribJSON(c)})
}

type dataRequest struct {
	AuthKey       string     `json:"auth_key"`
	TransactionID uint32     `json:"transaction_id"`
	Table         string     `json:"table"`
	Chunk         uint32     `json:"chunk"`
	Overlap       int        `json:"overlap"`
	CharsetName   string     `json:"charset_name"`
	Rows          [][]string `json:"rows"`
}

func (s *Worker) data(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return
	}
	if req.AuthKey == "" || req.AuthKey != s.AuthKey {
		writeError(w, errAuth, nil)
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, ingesterr.New(ingesterr.ErrValidation, "httpapi: rows are required"), nil)
		return
	}

	c, err := s.register(r.Context(), registerRequest{
		TransactionID: req.TransactionID,
		Table:         req.Table,
		Chunk:         req.Chunk,
		Overlap:       req.Overlap,
		CharsetName:   req.CharsetName,
	}, false)
	if err != nil {
		writeError(w, err, map[string]any{"contrib": contribJSON(c)})
		return
	}

	final := s.Proc.LoadRows(r.Context(), c, req.Rows)
	writeSuccess(w, map[string]any{"contrib": contribJSON(final)})
}
