// Package asyncloader implements the worker-side contribution processing
// pool: a configurable number of goroutines pull admitted requests from
// the ingest request manager, fetch each contribution's source, drive the
// file service through its open/write/load lifecycle, and record the
// outcome.
package asyncloader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/pkg/contrib"
	"github.com/lsst-dm/qserv-ingest/pkg/events"
	"github.com/lsst-dm/qserv-ingest/pkg/filesvc"
	"github.com/lsst-dm/qserv-ingest/pkg/reqmgr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// Config bounds the processing pool.
type Config struct {
	// NumProcessingThreads is the number of concurrent contribution
	// processors (the "num-async-loader-processing-threads" key).
	NumProcessingThreads int
	// MaxWarnings bounds the warnings captured per load (the
	// "loader-max-warnings" key).
	MaxWarnings int
	// HTTPClient fetches http(s) contribution sources. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Service is the processing pool.
type Service struct {
	cfg    Config
	mgr    *reqmgr.Manager
	files  *filesvc.Service
	st     store.Store
	log    zerolog.Logger
	broker *events.Broker
}

// New builds a Service. broker may be nil.
func New(cfg Config, mgr *reqmgr.Manager, files *filesvc.Service, st store.Store, broker *events.Broker, log zerolog.Logger) *Service {
	if cfg.NumProcessingThreads <= 0 {
		cfg.NumProcessingThreads = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Service{cfg: cfg, mgr: mgr, files: files, st: st, broker: broker, log: log}
}

// Run blocks processing admitted requests until ctx is cancelled. Each of
// the pool's goroutines loops: admit, process, complete.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.NumProcessingThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := s.mgr.Next(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					s.log.Error().Err(err).Msg("admission failed")
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				final := s.Process(ctx, c, func() bool { return s.mgr.IsCancelRequested(c.ID) })
				if err := s.mgr.UpdateInProgress(ctx, final); err != nil {
					s.log.Error().Err(err).Uint32("id", c.ID).Msg("cannot record contribution outcome")
				}
				if err := s.mgr.Completed(ctx, c.ID); err != nil {
					s.log.Error().Err(err).Uint32("id", c.ID).Msg("cannot complete contribution")
				}
			}
		}()
	}
	wg.Wait()
}

func now() uint64 { return uint64(time.Now().UnixMilli()) }

// Process drives one contribution through the file-service lifecycle and
// returns the final record. cancelled is polled at each I/O and DB
// checkpoint, honoring advisory cancellation; it may be nil. Process
// persists milestone updates to the store but does not touch the request
// manager's queues, so it serves both the async pool and the synchronous
// HTTP ingest path.
func (s *Service) Process(ctx context.Context, c store.Contribution, cancelled func() bool) store.Contribution {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	c.StartTime = now()
	c.Status = contrib.InProgress
	_ = s.st.UpdateContribution(ctx, c)

	if cancelled() {
		return s.fail(ctx, c, contrib.Cancelled, contrib.ErrorContext{Error: "cancelled before start"})
	}

	db, err := s.st.GetDatabase(ctx, c.Database)
	if err != nil {
		return s.fail(ctx, c, contrib.StartFailed, errCtx(err))
	}
	partitioned := false
	for _, t := range db.PartitionedTables {
		if t.Name == c.Table {
			partitioned = true
			break
		}
	}

	sess, err := s.files.Open(ctx, filesvc.OpenRequest{
		TransactionID: c.TransactionID,
		Database:      c.Database,
		Table:         c.Table,
		Dialect:       c.Dialect,
		Charset:       c.CharsetName,
		Chunk:         c.Chunk,
		IsOverlap:     c.IsOverlap,
		IsPartitioned: partitioned,
	})
	if err != nil {
		// A transaction no longer active, an unknown table etc. means the
		// request was dequeued but could not start.
		return s.fail(ctx, c, contrib.StartFailed, errCtx(err))
	}
	defer sess.Close()
	c.TmpFile = sess.Path()

	numBytes, numRows, err := s.readInto(ctx, &c, sess)
	if err != nil {
		return s.fail(ctx, c, contrib.ReadFailed, errCtx(err))
	}
	c.ReadTime = now()
	c.NumBytes = numBytes
	c.NumRows = numRows
	_ = s.st.UpdateContribution(ctx, c)

	if cancelled() {
		return s.fail(ctx, c, contrib.Cancelled, contrib.ErrorContext{Error: "cancelled before load"})
	}

	res, err := sess.LoadDataIntoTable(ctx, s.cfg.MaxWarnings)
	if err != nil {
		final := s.fail(ctx, c, contrib.LoadFailed, errCtx(err))
		s.broker.Publish(&events.Event{
			Type:     events.EventContributionFailed,
			Message:  fmt.Sprintf("contribution %d load failed", c.ID),
			Metadata: map[string]string{"transactionId": fmt.Sprint(c.TransactionID), "table": c.Table},
		})
		return final
	}

	c.Finish(numBytes, res.AffectedRows, uint32(len(res.Warnings)), now())
	c.TmpFile = ""
	_ = s.st.UpdateContribution(ctx, c)
	s.broker.Publish(&events.Event{
		Type:     events.EventContributionLoaded,
		Message:  fmt.Sprintf("contribution %d loaded %d rows", c.ID, res.AffectedRows),
		Metadata: map[string]string{"transactionId": fmt.Sprint(c.TransactionID), "table": c.Table},
	})
	return c
}

// LoadRows is the inline-data variant of Process: rows arrive pre-parsed
// instead of behind a URL. Each row's fields are joined with the
// contribution's dialect separator.
func (s *Service) LoadRows(ctx context.Context, c store.Contribution, rows [][]string) store.Contribution {
	c.StartTime = now()
	c.Status = contrib.InProgress
	_ = s.st.UpdateContribution(ctx, c)

	db, err := s.st.GetDatabase(ctx, c.Database)
	if err != nil {
		return s.fail(ctx, c, contrib.StartFailed, errCtx(err))
	}
	partitioned := false
	for _, t := range db.PartitionedTables {
		if t.Name == c.Table {
			partitioned = true
			break
		}
	}

	sess, err := s.files.Open(ctx, filesvc.OpenRequest{
		TransactionID: c.TransactionID,
		Database:      c.Database,
		Table:         c.Table,
		Dialect:       c.Dialect,
		Charset:       c.CharsetName,
		Chunk:         c.Chunk,
		IsOverlap:     c.IsOverlap,
		IsPartitioned: partitioned,
	})
	if err != nil {
		return s.fail(ctx, c, contrib.StartFailed, errCtx(err))
	}
	defer sess.Close()
	c.TmpFile = sess.Path()

	var numBytes uint64
	for _, fields := range rows {
		row := []byte(strings.Join(fields, c.Dialect.FieldsTerminatedBy))
		if err := sess.WriteRow(row); err != nil {
			return s.fail(ctx, c, contrib.ReadFailed, errCtx(err))
		}
		numBytes += uint64(len(row))
	}
	c.ReadTime = now()
	c.NumBytes = numBytes
	c.NumRows = uint64(len(rows))
	_ = s.st.UpdateContribution(ctx, c)

	res, err := sess.LoadDataIntoTable(ctx, s.cfg.MaxWarnings)
	if err != nil {
		return s.fail(ctx, c, contrib.LoadFailed, errCtx(err))
	}

	c.Finish(numBytes, res.AffectedRows, uint32(len(res.Warnings)), now())
	c.TmpFile = ""
	_ = s.st.UpdateContribution(ctx, c)
	return c
}

func (s *Service) fail(ctx context.Context, c store.Contribution, status contrib.Status, e contrib.ErrorContext) store.Contribution {
	c.Fail(status, e)
	_ = s.st.UpdateContribution(ctx, c)
	s.log.Warn().Uint32("id", c.ID).Str("status", status.String()).Str("error", e.Error).Msg("contribution failed")
	return c
}

func errCtx(err error) contrib.ErrorContext {
	return contrib.ErrorContext{Error: err.Error()}
}

// readInto streams the contribution's source into the session, one row per
// dialect line terminator.
func (s *Service) readInto(ctx context.Context, c *store.Contribution, sess *filesvc.Session) (numBytes, numRows uint64, err error) {
	src, err := s.openSource(ctx, c)
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	terminator := c.Dialect.LinesTerminatedBy
	if terminator == "" {
		terminator = "\n"
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	scanner.Split(splitOn([]byte(terminator)))
	for scanner.Scan() {
		row := scanner.Bytes()
		if len(row) == 0 {
			continue
		}
		if err := sess.WriteRow(row); err != nil {
			return numBytes, numRows, err
		}
		numBytes += uint64(len(row))
		numRows++
	}
	return numBytes, numRows, scanner.Err()
}

// openSource resolves the contribution's URL: file://<path> (or a bare
// path) opens the local file; http(s) issues the configured method against
// the remote endpoint.
func (s *Service) openSource(ctx context.Context, c *store.Contribution) (io.ReadCloser, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("asyncloader: parse source url %q: %w", c.URL, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = c.URL
		}
		return os.Open(path)
	case "http", "https":
		method := c.HTTPMethod
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if c.HTTPData != "" {
			body = strings.NewReader(c.HTTPData)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
		if err != nil {
			return nil, err
		}
		for _, h := range c.HTTPHeaders {
			if name, value, ok := strings.Cut(h, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}
		resp, err := s.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("asyncloader: fetch %s: status %d", c.URL, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("asyncloader: unsupported url scheme %q", u.Scheme)
	}
}

// splitOn returns a bufio.SplitFunc that tokenizes on an arbitrary
// terminator sequence.
func splitOn(terminator []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, terminator); i >= 0 {
			return i + len(terminator), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
