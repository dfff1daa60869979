package store

import "context"

// Store is the persistence interface consumed by every ingest component.
// It is deliberately narrow: no query language, no transactions exposed to
// callers beyond what BoltStore needs internally to keep entities
// consistent.
type Store interface {
	// Databases
	PutDatabase(ctx context.Context, db DatabaseInfo) error
	GetDatabase(ctx context.Context, name string) (DatabaseInfo, error)
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)

	// Workers
	PutWorker(ctx context.Context, w WorkerInfo) error
	GetWorker(ctx context.Context, name string) (WorkerInfo, error)
	ListWorkers(ctx context.Context) ([]WorkerInfo, error)

	// Transactions
	BeginTransaction(ctx context.Context, database string, txnContext string) (TransactionInfo, error)
	GetTransaction(ctx context.Context, id uint32) (TransactionInfo, error)
	ListTransactions(ctx context.Context, database string, state *TransactionState) ([]TransactionInfo, error)
	UpdateTransactionState(ctx context.Context, id uint32, newState TransactionState) error
	AppendTransactionEvent(ctx context.Context, id uint32, entry EventLogEntry) error
	SetTransactionEndTime(ctx context.Context, id uint32, endTime int64) error

	// Contributions
	PutContribution(ctx context.Context, c Contribution) (Contribution, error)
	GetContribution(ctx context.Context, id uint32) (Contribution, error)
	UpdateContribution(ctx context.Context, c Contribution) error
	ListContributions(ctx context.Context, transactionID uint32) ([]Contribution, error)
	ListContributionsByWorker(ctx context.Context, worker string, status *int) ([]Contribution, error)

	// Replicas
	PutReplica(ctx context.Context, r ReplicaInfo) error
	ListReplicas(ctx context.Context, database string, chunk *uint32) ([]ReplicaInfo, error)

	// Controller events
	AppendControllerEvent(ctx context.Context, e ControllerEvent) error
	ListControllerEvents(ctx context.Context, transactionID uint32) ([]ControllerEvent, error)

	Close() error
}
