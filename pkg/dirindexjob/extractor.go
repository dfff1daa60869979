package dirindexjob

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lsst-dm/qserv-ingest/internal/ingesterr"
	"github.com/lsst-dm/qserv-ingest/pkg/chunktable"
	"github.com/lsst-dm/qserv-ingest/pkg/mysqlconn"
	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// ConnFactory opens a connection to a worker's data database for the
// duration of one extraction.
type ConnFactory func(ctx context.Context, worker string) (mysqlconn.Conn, error)

// SQLExtractor implements Extractor over the workers' MySQL wire protocol:
// it reads the director chunk table's per-transaction partition slice and
// spools it to a local CSV file shaped for the central index load
// (qserv_trans_id, primary key, chunk, subChunk). A worker reporting
// "partition does not exist" surfaces as mysqlconn.ErrNoSuchPartition,
// which the job tolerates.
type SQLExtractor struct {
	Conns  ConnFactory
	St     store.Store
	TmpDir string
}

func (e *SQLExtractor) ExtractChunk(ctx context.Context, worker, database, directorTable string, transactionID uint32, chunk uint32) (string, error) {
	db, err := e.St.GetDatabase(ctx, database)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ErrValidation, "dirindexjob: unknown database", err)
	}
	column := ""
	for _, t := range db.PartitionedTables {
		if t.Name == directorTable {
			column = t.DirectorColumn
			break
		}
	}
	if column == "" {
		return "", ingesterr.New(ingesterr.ErrValidation, fmt.Sprintf("dirindexjob: %s is not a director table of %s", directorTable, database))
	}

	phys, err := chunktable.New(directorTable, chunk, false)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ErrValidation, "dirindexjob: chunk table name", err)
	}
	physName, _ := phys.Name()

	conn, err := e.Conns(ctx, worker)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: connect to worker", err)
	}
	defer conn.Close()

	path := filepath.Join(e.TmpDir, fmt.Sprintf("%s.%s.%d.%d.%s.csv",
		database, directorTable, chunk, transactionID, uuid.New().String()[:8]))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: create extraction file", err)
	}
	w := bufio.NewWriter(f)

	query := fmt.Sprintf("SELECT `%s`, `chunkId`, `subChunkId` FROM `%s` PARTITION (%s)",
		column, physName, mysqlconn.TransactionPartitionName(transactionID))
	err = conn.Query(ctx, query, func(columns []string, row []any) error {
		_, werr := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			transactionID, fieldString(row[0]), fieldString(row[1]), fieldString(row[2]))
		return werr
	})
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return "", ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: flush extraction file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", ingesterr.Wrap(ingesterr.ErrTransient, "dirindexjob: close extraction file", err)
	}
	return path, nil
}

// fieldString renders one scanned column value; go-sql-driver hands back
// []byte for most column types.
func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return `\N`
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
