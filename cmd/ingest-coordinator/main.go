// Command ingest-coordinator runs the coordinator's ingest services: the
// super-transaction manager, the abort-transaction and director-index
// fan-out jobs, and the transaction HTTP endpoints. When started with
// --raft-node-id the coordinator's metadata store is replicated across
// standby replicas through pkg/replog (--raft-bootstrap starts a new
// cluster; otherwise the node joins an existing one).
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
	"github.com/lsst-dm/qserv-ingest/pkg/abortjob"
	"github.com/lsst-dm/qserv-ingest/pkg/dirindexjob"
	"github.com/lsst-dm/qserv-ingest/pkg/events"
	"github.com/lsst-dm/qserv-ingest/pkg/httpapi"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/namedmutex"
	"github.com/lsst-dm/qserv-ingest/pkg/replog"
	"github.com/lsst-dm/qserv-ingest/pkg/rpc"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
	"github.com/lsst-dm/qserv-ingest/pkg/txn"
)

var (
	configPath    string
	dataDir       string
	httpAddr      string
	authKey       string
	centralDSN    string
	workerDSNs    map[string]string
	extractTmpDir string
	metricsAddr   string
	raftNodeID    string
	raftBindAddr  string
	raftBootstrap bool
	logJSON       bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-coordinator",
		Short: "Run the coordinator's ingest transaction services",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file merged over defaults")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "coordinator bbolt data directory (required)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":25081", "address of the transaction HTTP endpoints")
	cmd.Flags().StringVar(&authKey, "auth-key", "", "authorization key required on mutating requests (required)")
	cmd.Flags().StringVar(&centralDSN, "central-dsn", "", "DSN of the central director-index database (required)")
	cmd.Flags().StringToStringVar(&workerDSNs, "worker-dsn", nil, "worker=dsn pairs for fan-out sub-requests")
	cmd.Flags().StringVar(&extractTmpDir, "extract-tmp-dir", "/tmp/qserv-dirindex", "directory for extracted director-index slices")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().StringVar(&raftNodeID, "raft-node-id", "", "replicate the metadata store under this Raft node id (empty disables)")
	cmd.Flags().StringVar(&raftBindAddr, "raft-bind", "", "Raft transport bind address")
	cmd.Flags().BoolVar(&raftBootstrap, "raft-bootstrap", false, "bootstrap a new single-node Raft cluster")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	_ = cmd.MarkFlagRequired("data-dir")
	_ = cmd.MarkFlagRequired("auth-key")
	_ = cmd.MarkFlagRequired("central-dsn")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: logJSON})
	log := logging.WithComponent("ingest-coordinator")

	cfg := config.DefaultCoordinator()
	if configPath != "" {
		if err := config.Load(configPath, &cfg, nil); err != nil {
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

	var node *replog.Node
	if raftNodeID != "" {
		replogCfg := replog.Config{NodeID: raftNodeID, BindAddr: raftBindAddr, DataDir: dataDir}
		if raftBootstrap {
			node, err = replog.Bootstrap(replogCfg, st, logging.WithComponent("replog"))
		} else {
			node, err = replog.Join(replogCfg, st, logging.WithComponent("replog"))
		}
		if err != nil {
			return fmt.Errorf("start raft replication: %w", err)
		}
		defer node.Shutdown()
	}

	centralConn, err := mysqlconn.Dial(ctx, centralDSN)
	if err != nil {
		return fmt.Errorf("dial central database: %w", err)
	}
	defer centralConn.Close()

	if err := os.MkdirAll(extractTmpDir, 0o755); err != nil {
		return fmt.Errorf("create extraction tmp dir: %w", err)
	}

	factory := rpc.ConnFactory{
		Addresses: workerDSNs,
		Dial: func(ctx context.Context, dsn string) (mysqlconn.Conn, error) {
			return mysqlconn.Dial(ctx, dsn)
		},
	}

	abortSvc := abortjob.New(st, factory.Conn, abortjob.Config{DefaultMaxPerWorker: 4}, logging.WithComponent("abortjob"))

	extractor := &dirindexjob.SQLExtractor{Conns: factory.Conn, St: st, TmpDir: extractTmpDir}
	dirSvc := dirindexjob.New(st, centralConn, extractor, dirindexjob.Config{
		DefaultMaxPerWorker:         4,
		NumDirectorIndexConnections: cfg.NumDirectorIndexConnections,
		Dialect: mysqlconn.Dialect{
			FieldsTerminatedBy: "\t",
			LinesTerminatedBy:  "\n",
		},
		MaxWarnings: 1,
	}, logging.WithComponent("dirindexjob"))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	txnMgr := txn.New(st, namedmutex.NewRegistry(), centralConn, abortSvc, dirSvc, logging.WithComponent("txn"))
	txnMgr.SetBroker(broker)

	if metricsAddr != "" {
		collector := metrics.NewCollector(st, nil)
		collector.Start()
		defer collector.Stop()
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	api := &httpapi.Coordinator{
		Txn:     txnMgr,
		St:      st,
		AuthKey: authKey,
		Log:     logging.WithComponent("httpapi"),
	}
	server := &http.Server{Addr: httpAddr, Handler: api.Routes(0)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", httpAddr).Msg("ingest coordinator listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
