package paxos

import (
	"fmt"
	"sync"
)

// Cluster is N PaxosLog replicas, each over a KVStore, wired
// together on one Simnet. cmd/paxosdemo and the tests use it.
type Cluster struct {
	Net   *Simnet
	Names []string

	mut  sync.Mutex
	cfgs []*Config
	Logs []*PaxosLog
	KV   []*KVStore
}

// ClusterNames returns "A", "B", ... for n <= 26, and
// "r0", "r1", ... beyond that.
func ClusterNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		if n <= 26 {
			names[i] = string(rune('A' + i))
		} else {
			names[i] = fmt.Sprintf("r%v", i)
		}
	}
	return names
}

// NewCluster starts n replicas. tweak, if not nil, edits
// each replica's Config before it starts.
func NewCluster(n int, netCfg SimnetConfig, tweak func(cfg *Config)) (*Cluster, error) {
	if n < 1 {
		return nil, fmt.Errorf("NewCluster: need at least one replica, got %v", n)
	}
	c := &Cluster{
		Net:   NewSimnet(netCfg),
		Names: ClusterNames(n),
	}
	for _, name := range c.Names {
		cfg := NewConfig(name, c.Names...)
		if tweak != nil {
			tweak(cfg)
		}
		if cfg.PersistMode == PersistMem && cfg.Persister == nil {
			// kept here so Restart hands it to the successor.
			cfg.Persister = NewMemPersister()
		}
		kv := NewKVStore()
		log, err := NewPaxosLog(cfg, c.Net.NewEndpoint(name), kv)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.cfgs = append(c.cfgs, cfg)
		c.Logs = append(c.Logs, log)
		c.KV = append(c.KV, kv)
	}
	return c, nil
}

// Log returns replica i's log.
func (c *Cluster) Log(i int) *PaxosLog {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.Logs[i]
}

func (c *Cluster) Store(i int) *KVStore {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.KV[i]
}

// Restart crashes replica i and boots a successor with an
// empty KVStore and the same persisted slots. With
// PersistNone the successor starts from nothing.
func (c *Cluster) Restart(i int) error {
	c.mut.Lock()
	old := c.Logs[i]
	cfg := c.cfgs[i].Clone()
	c.mut.Unlock()

	old.Close()
	c.Net.Detach(c.Names[i])

	if cfg.PersistMode != PersistMem {
		cfg.Persister = nil
	}
	kv := NewKVStore()
	log, err := NewPaxosLog(cfg, c.Net.NewEndpoint(c.Names[i]), kv)
	if err != nil {
		return err
	}
	c.mut.Lock()
	c.cfgs[i] = cfg
	c.Logs[i] = log
	c.KV[i] = kv
	c.mut.Unlock()
	return nil
}

func (c *Cluster) Close() {
	c.mut.Lock()
	logs := append([]*PaxosLog(nil), c.Logs...)
	c.mut.Unlock()
	for _, l := range logs {
		l.Close()
	}
	c.Net.Close()
}
