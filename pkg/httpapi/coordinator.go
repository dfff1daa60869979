package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
	"github.com/lsst-dm/qserv-ingest/pkg/txn"
)

// Coordinator serves the coordinator's transaction endpoints:
//
//	POST /ingest/trans          begin a super-transaction
//	PUT  /ingest/trans/{id}     end it (?abort=0|1)
//	GET  /ingest/trans/{id}     inspect it (?contrib=1&contrib_long=1&...)
type Coordinator struct {
	Txn     *txn.Manager
	St      store.Store
	AuthKey string
	Log     zerolog.Logger
}

// Routes builds the coordinator's handler. maxQueued caps concurrently
// admitted requests; 0 disables the cap.
func (c *Coordinator) Routes(maxQueued int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/trans", c.beginTrans)
	mux.HandleFunc("PUT /ingest/trans/{id}", c.endTrans)
	mux.HandleFunc("GET /ingest/trans/{id}", c.getTrans)
	return limitQueued(maxQueued, mux)
}

type beginTransRequest struct {
	AuthKey  string `json:"auth_key"`
	Database string `json:"database"`
	Context  string `json:"context"`
}

func (c *Coordinator) beginTrans(w http.ResponseWriter, r *http.Request) {
	var req beginTransRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return
	}
	if req.AuthKey == "" || req.AuthKey != c.AuthKey {
		writeError(w, errAuth, nil)
		return
	}
	if req.Database == "" {
		writeError(w, ingesterr.New(ingesterr.ErrValidation, "httpapi: database is required"), nil)
		return
	}

	t, err := c.Txn.Begin(r.Context(), req.Database, req.Context)
	if err != nil {
		writeError(w, err, map[string]any{"database": req.Database})
		return
	}

	numChunks, err := c.countChunks(r, req.Database)
	if err != nil {
		writeError(w, err, map[string]any{"database": req.Database, "id": t.ID})
		return
	}

	c.Log.Info().Uint32("trans_id", t.ID).Str("database", req.Database).Msg("transaction started")
	writeSuccess(w, map[string]any{
		"databases": map[string]any{
			req.Database: map[string]any{"num_chunks": numChunks},
		},
		"transaction": transactionJSON(t, true, false),
	})
}

func (c *Coordinator) countChunks(r *http.Request, database string) (int, error) {
	replicas, err := c.St.ListReplicas(r.Context(), database, nil)
	if err != nil {
		return 0, ingesterr.Wrap(ingesterr.ErrTransient, "httpapi: list replicas", err)
	}
	chunks := make(map[uint32]bool)
	for _, rep := range replicas {
		chunks[rep.Chunk] = true
	}
	return len(chunks), nil
}

type endTransRequest struct {
	AuthKey string `json:"auth_key"`
	Context string `json:"context"`
}

func (c *Coordinator) endTrans(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var req endTransRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: malformed request body", err), nil)
		return
	}
	if req.AuthKey == "" || req.AuthKey != c.AuthKey {
		writeError(w, errAuth, nil)
		return
	}
	abort := r.URL.Query().Get("abort") == "1"

	res, err := c.Txn.EndExt(r.Context(), id, abort)
	if err != nil {
		writeError(w, err, map[string]any{"id": id, "abort": boolFlag(abort), "state": res.Txn.State.String()})
		return
	}

	c.Log.Info().Uint32("trans_id", id).Bool("abort", abort).Msg("transaction ended")
	writeSuccess(w, map[string]any{
		"transaction":                   transactionJSON(res.Txn, true, false),
		"secondary-index-build-success": boolFlag(res.SecondaryIndexBuildSuccess),
	})
}

func (c *Coordinator) getTrans(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	t, err := c.St.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.ErrValidation, "httpapi: unknown transaction", err), map[string]any{"id": id})
		return
	}

	q := r.URL.Query()
	payload := map[string]any{
		"transaction": transactionJSON(t, q.Get("include_context") == "1", q.Get("include_log") == "1"),
	}

	if q.Get("contrib") == "1" || q.Get("contrib_long") == "1" {
		contribs, err := c.St.ListContributions(r.Context(), id)
		if err != nil {
			writeError(w, ingesterr.Wrap(ingesterr.ErrTransient, "httpapi: list contributions", err), map[string]any{"id": id})
			return
		}
		payload["contrib"] = contribSummaryJSON(contribs)
		if q.Get("contrib_long") == "1" {
			long := make([]map[string]any, 0, len(contribs))
			for _, cc := range contribs {
				long = append(long, contribJSON(cc))
			}
			payload["contrib_long"] = long
		}
	}

	writeSuccess(w, payload)
}

func pathID(r *http.Request) (uint32, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("httpapi: invalid id %q", raw))
	}
	return uint32(id), nil
}
