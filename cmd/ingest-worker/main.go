// Command ingest-worker runs a worker's ingest services: the request
// manager with crash recovery, the async contribution processing pool, and
// the HTTP loader endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lsst-dm/qserv-ingest/internal/config"
	"github.com/lsst-dm/qserv-ingest/internal/logging"
	"github.com/lsst-dm/qserv-ingest/pkg/asyncloader"
	"github.com/lsst-dm/qserv-ingest/pkg/filesvc"
	"github.com/lsst-dm/qserv-ingest/pkg/httpapi"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/reqmgr"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

var (
	configPath  string
	dataDir     string
	workerName  string
	mysqlDSN    string
	authKey     string
	metricsAddr string
	logJSON     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-worker",
		Short: "Run a worker's contribution ingest services",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file merged over defaults")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "worker bbolt data directory (required)")
	cmd.Flags().StringVar(&workerName, "worker", "", "this worker's name (required)")
	cmd.Flags().StringVar(&mysqlDSN, "mysql-dsn", "", "DSN of this worker's data database (required)")
	cmd.Flags().StringVar(&authKey, "auth-key", "", "authorization key required on mutating requests (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	_ = cmd.MarkFlagRequired("data-dir")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("mysql-dsn")
	_ = cmd.MarkFlagRequired("auth-key")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: logJSON})
	log := logging.WithComponent("ingest-worker")

	cfg := config.DefaultWorker()
	if configPath != "" {
		if err := config.Load(configPath, nil, &cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.LoaderTmpDir, 0o755); err != nil {
		return fmt.Errorf("create loader tmp dir: %w", err)
	}

	files := filesvc.New(filesvc.Config{
		Worker:            workerName,
		LoaderTmpDir:      cfg.LoaderTmpDir,
		LoaderMaxWarnings: cfg.LoaderMaxWarnings,
		IngestCharsetName: cfg.IngestCharsetName,
		DDLMaxRetries:     3,
	}, st, storeAllocator{st}, namedmutex.NewRegistry(), func(ctx context.Context) (mysqlconn.Conn, error) {
		return mysqlconn.Dial(ctx, mysqlDSN)
	}, logging.WithComponent("filesvc"))

	mgr := reqmgr.New(st, reqmgr.StoreLimits{St: st})
	if err := mgr.Recover(ctx, reqmgr.RecoverConfig{
		AutoResume:      cfg.AsyncLoaderAutoResume,
		DeleteTempFiles: cfg.AsyncLoaderCleanupOnResume,
	}); err != nil {
		return fmt.Errorf("recover queued contributions: %w", err)
	}

	loader := asyncloader.New(asyncloader.Config{
		NumProcessingThreads: cfg.NumAsyncLoaderProcessingThreads,
		MaxWarnings:          cfg.LoaderMaxWarnings,
	}, mgr, files, st, nil, logging.WithComponent("asyncloader"))
	go loader.Run(ctx)

	if metricsAddr != "" {
		collector := metrics.NewCollector(st, func() map[string]*reqmgr.Manager {
			return map[string]*reqmgr.Manager{workerName: mgr}
		})
		collector.Start()
		defer collector.Stop()
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	api := &httpapi.Worker{
		Mgr:        mgr,
		St:         st,
		Proc:       loader,
		WorkerName: workerName,
		AuthKey:    authKey,
		Charset:    cfg.IngestCharsetName,
		Log:        logging.WithComponent("httpapi"),
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPLoaderPort),
		Handler: api.Routes(cfg.HTTPMaxQueuedRequests),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("worker", workerName).Int("port", cfg.HTTPLoaderPort).Msg("ingest worker listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// storeAllocator answers chunk-allocation checks from the replica catalog
// kept in the worker's local store.
type storeAllocator struct {
	st store.Store
}

func (a storeAllocator) IsChunkAllocated(ctx context.Context, database string, chunk uint32, worker string) (bool, error) {
	replicas, err := a.st.ListReplicas(ctx, database, &chunk)
	if err != nil {
		return false, err
	}
	for _, r := range replicas {
		if r.Worker == worker && r.Exists {
			return true, nil
		}
	}
	return false, nil
}
