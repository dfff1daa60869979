// Command abort-transaction runs the distributed abort-transaction fan-out
// job standalone against an already-running coordinator store, for
// operators reconciling a transaction whose automatic abort failed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsst-dm/qserv-ingest/internal/logging"
	"github.com/lsst-dm/qserv-ingest/pkg/abortjob"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/rpc"
	"github.com/lsst-dm/qserv-ingest/pkg/sqlfanout"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

var (
	dataDir       string
	transactionID uint32
	allWorkers    bool
	reportLevel   int
	maxPerWorker  int
	logJSON       bool
	workerDSNs    map[string]string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort-transaction",
		Short: "Abort a super-transaction across all participating workers",
		RunE:  run,
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "coordinator bbolt data directory (required)")
	cmd.Flags().Uint32Var(&transactionID, "transaction-id", 0, "super-transaction id to abort (required)")
	cmd.Flags().BoolVar(&allWorkers, "all-workers", true, "fan out to every enabled worker rather than only replica-bearing ones")
	cmd.Flags().IntVar(&reportLevel, "report-level", 1, "summary verbosity: 0 silent, 1 counts, 2 failed tables, 3 all tables")
	cmd.Flags().IntVar(&maxPerWorker, "max-per-worker", 4, "max concurrent partition drops per worker")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	cmd.Flags().StringToStringVar(&workerDSNs, "worker-dsn", nil, "worker=dsn pairs for the MySQL connections used to drop partitions")
	_ = cmd.MarkFlagRequired("data-dir")
	_ = cmd.MarkFlagRequired("transaction-id")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: logJSON})
	log := logging.WithComponent("abortjob-cli")

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	factory := rpc.ConnFactory{
		Addresses: workerDSNs,
		Dial: func(ctx context.Context, dsn string) (mysqlconn.Conn, error) {
			return mysqlconn.Dial(ctx, dsn)
		},
	}

	svc := abortjob.New(st, factory.Conn, abortjob.Config{DefaultMaxPerWorker: maxPerWorker}, log)

	outcome, result, err := svc.RunDetailed(cmd.Context(), transactionID, allWorkers)
	if err != nil {
		log.Error().Err(err).Str("jobId", outcome.JobID).Msg("abort-transaction job failed")
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
