package replog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/lsst-dm/qserv-ingest/pkg/store"
)

// Config configures one coordinator replica's Raft participation.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node owns a Raft instance replicating a store.Store across coordinator
// replicas: bootstrap, join, apply, and leadership/state introspection.
type Node struct {
	cfg  Config
	raft *raft.Raft
	fsm  *FSM
	log  zerolog.Logger
}

func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	// Tuned for LAN coordinator replicas rather than Raft's WAN-oriented
	// defaults (HeartbeatTimeout/ElectionTimeout 1s, LeaderLeaseTimeout
	// 500ms): faster failure detection buys a shorter window during which
	// Begin/End transaction requests are rejected for lack of a leader.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func newRaft(cfg Config, fsm *FSM) (*raft.Raft, raft.ServerAddress, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("replog: create data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("replog: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("replog: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("replog: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("replog: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("replog: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(cfg.NodeID), fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("replog: create raft instance: %w", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap creates a Node and initializes a brand-new single-node Raft
// cluster with st as the replicated store. Subsequent replicas join via
// Join, then AddVoter from the leader.
func Bootstrap(cfg Config, st store.Store, log zerolog.Logger) (*Node, error) {
	fsm := NewFSM(st)
	r, localAddr, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: localAddr}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("replog: bootstrap cluster: %w", err)
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm, log: log}, nil
}

// Join creates a Node that expects to be added to an existing cluster by
// its current leader (via Node.AddVoter on the leader's Node), rather than
// bootstrapping a new one.
func Join(cfg Config, st store.Store, log zerolog.Logger) (*Node, error) {
	fsm := NewFSM(st)
	r, _, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}
	return &Node{cfg: cfg, raft: r, fsm: fsm, log: log}, nil
}

// AddVoter adds nodeID at address as a voting member, called against the
// current leader's Node.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("replog: AddVoter must be called on the leader")
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this replica currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, or "" if unknown.
func (n *Node) LeaderAddr() string {
	return string(n.raft.Leader())
}

// Stats reports a snapshot of this replica's Raft counters, for pkg/metrics.
func (n *Node) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["state"] = n.raft.State().String()
	stats["last_log_index"] = n.raft.LastIndex()
	stats["applied_index"] = n.raft.AppliedIndex()
	stats["leader"] = n.LeaderAddr()

	if cfgFuture := n.raft.GetConfiguration(); cfgFuture.Error() == nil {
		stats["peers"] = len(cfgFuture.Configuration().Servers)
	} else {
		stats["peers"] = 0
	}
	return stats
}

// Apply replicates cmd through the Raft log and blocks until it is
// committed and applied locally, returning the FSM's Apply result. Must be
// called on the leader; followers should forward the command to the
// leader (see LeaderAddr) instead of calling Apply themselves.
func (n *Node) Apply(op string, data interface{}, timeout time.Duration) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("replog: marshal command data: %w", err)
	}
	payload, err := json.Marshal(Command{Op: op, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("replog: marshal command: %w", err)
	}

	future := n.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("replog: apply %s: %w", op, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return nil, fmt.Errorf("replog: %s rejected by FSM: %w", op, err)
	}
	return future.Response(), nil
}

// Shutdown gracefully stops this replica's Raft participation.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
