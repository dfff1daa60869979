// Command director-index runs the director-index fan-out job standalone
// against an already-running coordinator store, for operators rebuilding
// the central index after a failed build during commit.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsst-dm/qserv-ingest/internal/logging"
	"github.com/lsst-dm/qserv-ingest/pkg/dirindexjob"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/rpc"
	"github.com/lsst-dm/qserv-ingest/pkg/sqlfanout"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

var (
	dataDir                     string
	transactionID               uint32
	database                    string
	directorTable               string
	reportLevel                 int
	maxPerWorker                int
	numDirectorIndexConnections int
	centralDSN                  string
	workerDSNs                  map[string]string
	extractTmpDir               string
	logJSON                     bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "director-index",
		Short: "Build the central director-index table for one director table of a transaction",
		RunE:  run,
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "coordinator bbolt data directory (required)")
	cmd.Flags().Uint32Var(&transactionID, "transaction-id", 0, "super-transaction id (required)")
	cmd.Flags().StringVar(&database, "database", "", "database name (required)")
	cmd.Flags().StringVar(&directorTable, "director-table", "", "director table name (required)")
	cmd.Flags().IntVar(&reportLevel, "report-level", 1, "summary verbosity: 0 silent, 1 counts, 2 failed tables, 3 all tables")
	cmd.Flags().IntVar(&maxPerWorker, "max-per-worker", 4, "max concurrent chunk extractions per worker")
	cmd.Flags().IntVar(&numDirectorIndexConnections, "num-director-index-connections", 4, "loader connections into the central table")
	cmd.Flags().StringVar(&centralDSN, "central-dsn", "", "MySQL DSN for the coordinator's central metadata database (required)")
	cmd.Flags().StringToStringVar(&workerDSNs, "worker-dsn", nil, "worker=dsn pairs for the MySQL connections used to extract chunk slices")
	cmd.Flags().StringVar(&extractTmpDir, "extract-tmp-dir", "/tmp/qserv-dirindex", "directory for extracted director-index slices")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	for _, f := range []string{"data-dir", "transaction-id", "database", "director-table", "central-dsn"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: logJSON})
	log := logging.WithComponent("dirindexjob-cli")

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	centralConn, err := mysqlconn.Dial(context.Background(), centralDSN)
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
	extractor := &dirindexjob.SQLExtractor{Conns: factory.Conn, St: st, TmpDir: extractTmpDir}

	svc := dirindexjob.New(st, centralConn, extractor, dirindexjob.Config{
		DefaultMaxPerWorker:         maxPerWorker,
		NumDirectorIndexConnections: numDirectorIndexConnections,
		Dialect: mysqlconn.Dialect{
			FieldsTerminatedBy: "\t",
			LinesTerminatedBy:  "\n",
		},
		MaxWarnings: 1,
	}, log)

	outcome, result, err := svc.RunDetailed(cmd.Context(), transactionID, database, directorTable)
	if err != nil {
		log.Error().Err(err).Str("jobId", outcome.JobID).Msg("director-index job failed")
	}

	printReport(outcome.JobID, result, reportLevel)

	if !outcome.Success {
		os.Exit(1)
	}
	return nil
}

// printReport renders at the requested verbosity: 0 silent, 1 per-worker
// counts, 2 failed tables only, 3 all tables.
func printReport(jobID string, result *sqlfanout.SqlJobResult, level int) {
	if level <= 0 || result == nil {
		return
	}
	fmt.Printf("job %s\n", jobID)
	switch level {
	case 1:
		for _, row := range result.SummaryToColumnTable() {
			fmt.Println(row[0] + "\t" + row[1] + "\t" + row[2] + "\t" + row[3])
		}
	case 2:
		for _, row := range result.ToColumnTable(false) {
			fmt.Println(row[0] + "\t" + row[1] + "\t" + row[2] + "\t" + row[3])
		}
	default:
		for _, row := range result.ToColumnTable(true) {
			fmt.Println(row[0] + "\t" + row[1] + "\t" + row[2] + "\t" + row[3])
		}
	}
}
