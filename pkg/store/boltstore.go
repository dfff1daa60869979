package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDatabases        = []byte("databases")
	bucketWorkers          = []byte("workers")
	bucketTransactions     = []byte("transactions")
	bucketContributions    = []byte("contributions")
	bucketReplicas         = []byte("replicas")
	bucketControllerEvents = []byte("controller_events")
)

// BoltStore implements Store on top of go.etcd.io/bbolt: one bucket per
// entity kind, JSON-encoded values, linear ForEach scans for secondary
// lookups (acceptable at this system's scale — metadata, not bulk catalog
// rows).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the metadata database under
// dataDir/qserv-ingest.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "qserv-ingest.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDatabases, bucketWorkers, bucketTransactions, bucketContributions, bucketReplicas, bucketControllerEvents} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func u32key(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func u64key(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// --- Databases ---

func (s *BoltStore) PutDatabase(ctx context.Context, db DatabaseInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(db)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDatabases).Put([]byte(db.Name), data)
	})
}

func (s *BoltStore) GetDatabase(ctx context.Context, name string) (DatabaseInfo, error) {
	var out DatabaseInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDatabases).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("store: database %q not found", name)
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *BoltStore) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	var out []DatabaseInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabases).ForEach(func(k, v []byte) error {
			var d DatabaseInfo
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// --- Workers ---

func (s *BoltStore) PutWorker(ctx context.Context, w WorkerInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(w.Name), data)
	})
}

func (s *BoltStore) GetWorker(ctx context.Context, name string) (WorkerInfo, error) {
	var out WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("store: worker %q not found", name)
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *BoltStore) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	var out []WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w WorkerInfo
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}

// --- Transactions ---

func (s *BoltStore) BeginTransaction(ctx context.Context, database string, txnContext string) (TransactionInfo, error) {
	var out TransactionInfo
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		out = TransactionInfo{
			ID:        uint32(id),
			Database:  database,
			State:     StateIsStarting,
			Context:   txnContext,
			BeginTime: time.Now().Unix(),
		}
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(u32key(out.ID), data)
	})
	return out, err
}

func (s *BoltStore) GetTransaction(ctx context.Context, id uint32) (TransactionInfo, error) {
	var out TransactionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransactions).Get(u32key(id))
		if data == nil {
			return fmt.Errorf("store: transaction %d not found", id)
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *BoltStore) ListTransactions(ctx context.Context, database string, state *TransactionState) ([]TransactionInfo, error) {
	var out []TransactionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			var t TransactionInfo
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if database != "" && t.Database != database {
				return nil
			}
			if state != nil && t.State != *state {
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateTransactionState(ctx context.Context, id uint32, newState TransactionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data := b.Get(u32key(id))
		if data == nil {
			return fmt.Errorf("store: transaction %d not found", id)
		}
		var t TransactionInfo
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if !t.State.CanTransitionTo(newState) {
			return fmt.Errorf("store: transaction %d cannot transition %s -> %s", id, t.State, newState)
		}
		t.State = newState
		if newState.IsTerminal() {
			t.EndTime = time.Now().Unix()
		}
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(u32key(id), out)
	})
}

func (s *BoltStore) AppendTransactionEvent(ctx context.Context, id uint32, entry EventLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data := b.Get(u32key(id))
		if data == nil {
			return fmt.Errorf("store: transaction %d not found", id)
		}
		var t TransactionInfo
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.Log = append(t.Log, entry)
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(u32key(id), out)
	})
}

func (s *BoltStore) SetTransactionEndTime(ctx context.Context, id uint32, endTime int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data := b.Get(u32key(id))
		if data == nil {
			return fmt.Errorf("store: transaction %d not found", id)
		}
		var t TransactionInfo
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.EndTime = endTime
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(u32key(id), out)
	})
}

// --- Contributions ---

func (s *BoltStore) PutContribution(ctx context.Context, c Contribution) (Contribution, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContributions)
		if c.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			c.ID = uint32(id)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(u32key(c.ID), data)
	})
	return c, err
}

func (s *BoltStore) GetContribution(ctx context.Context, id uint32) (Contribution, error) {
	var out Contribution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContributions).Get(u32key(id))
		if data == nil {
			return fmt.Errorf("store: contribution %d not found", id)
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *BoltStore) UpdateContribution(ctx context.Context, c Contribution) error {
	if c.ID == 0 {
		return fmt.Errorf("store: cannot update a contribution without an id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContributions).Put(u32key(c.ID), data)
	})
}

func (s *BoltStore) ListContributions(ctx context.Context, transactionID uint32) ([]Contribution, error) {
	var out []Contribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContributions).ForEach(func(k, v []byte) error {
			var c Contribution
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TransactionID == transactionID {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListContributionsByWorker(ctx context.Context, worker string, status *int) ([]Contribution, error) {
	var out []Contribution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContributions).ForEach(func(k, v []byte) error {
			var c Contribution
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Worker != worker {
				return nil
			}
			if status != nil && int(c.Status) != *status {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// --- Replicas ---

func replicaKey(r ReplicaInfo) []byte {
	return []byte(fmt.Sprintf("%s/%010d/%s", r.Database, r.Chunk, r.Worker))
}

func (s *BoltStore) PutReplica(ctx context.Context, r ReplicaInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplicas).Put(replicaKey(r), data)
	})
}

func (s *BoltStore) ListReplicas(ctx context.Context, database string, chunk *uint32) ([]ReplicaInfo, error) {
	var out []ReplicaInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			var r ReplicaInfo
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Database != database {
				return nil
			}
			if chunk != nil && r.Chunk != *chunk {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// --- Controller events ---

func (s *BoltStore) AppendControllerEvent(ctx context.Context, e ControllerEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllerEvents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(u64key(id), data)
	})
}

func (s *BoltStore) ListControllerEvents(ctx context.Context, transactionID uint32) ([]ControllerEvent, error) {
	var out []ControllerEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketControllerEvents).ForEach(func(k, v []byte) error {
			var e ControllerEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.TransactionID == transactionID {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}
