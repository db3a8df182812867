package paxos

import (
	"fmt"
	"os"
	"sort"
	"time"

	gjson "github.com/goccy/go-json"
)

// Config describes one replica. Build it, call Init to fill
// defaults, then Validate. NewReplica does both if you forget.
type Config struct {
	// Name is this replica's address on the Transport.
	// It must appear in Peers.
	Name string

	// ReplicaID breaks ties between equal ballot rounds, so
	// it must be unique in the cluster. If left zero, Init
	// sets it to 1 + Name's position in sorted Peers.
	ReplicaID uint32

	// Peers names every replica in the cluster, this one
	// included. Quorum is len(Peers)/2 + 1.
	Peers []string

	// MaxAttempts bounds the proposer's retries on one slot
	// before it gives up with ErrNoConsensus. Default 10.
	MaxAttempts int

	// BackoffInitial and BackoffMax bound the randomized
	// exponential delay between attempts.
	// Defaults 5 msec and 500 msec.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// RoundTimeout bounds one Prepare or Propose round.
	// Default 2 sec.
	RoundTimeout time.Duration

	// CommitWait is how long the proposer waits to collect
	// commit acknowledgements from a quorum. The outcome is
	// only logged. Default 500 msec.
	CommitWait time.Duration

	// RequestTimeout is how long an Append waits for its slot
	// to be applied before failing with ErrRequestExpired.
	// Default 10 sec.
	RequestTimeout time.Duration

	// ExpiryCheckEvery is the period of the waiting list's
	// expiry scan. Default RequestTimeout/10.
	ExpiryCheckEvery time.Duration

	// RPCTimeout bounds each request/response exchange with a
	// single peer within a round. Default 1 sec.
	RPCTimeout time.Duration

	// GapRepairEvery is the period of the gap repair scan.
	// Zero means the default of 250 msec; negative disables.
	GapRepairEvery time.Duration

	// Compression of log payloads: none, s2, zstd or lz4.
	Compression Compression

	// PersistMode picks the acceptor state persister:
	// none, mem, file or bolt. Ignored if Persister is set.
	PersistMode PersistMode
	DataDir     string

	// injected collaborators; never serialized.
	Clock     Clock          `json:"-"`
	Persister StatePersister `json:"-"`

	initCalled bool
}

func NewConfig(name string, peers ...string) *Config {
	return &Config{Name: name, Peers: append([]string(nil), peers...)}
}

// Clone returns a copy that shares the injected collaborators.
func (cfg *Config) Clone() *Config {
	cp := *cfg
	cp.Peers = append([]string(nil), cfg.Peers...)
	return &cp
}

// Init fills in defaults. It is idempotent.
func (cfg *Config) Init() {
	if cfg.initCalled {
		return
	}
	cfg.initCalled = true

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 500 * time.Millisecond
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 2 * time.Second
	}
	if cfg.CommitWait <= 0 {
		cfg.CommitWait = 500 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ExpiryCheckEvery <= 0 {
		cfg.ExpiryCheckEvery = cfg.RequestTimeout / 10
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = time.Second
	}
	if cfg.GapRepairEvery == 0 {
		cfg.GapRepairEvery = 250 * time.Millisecond
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressNone
	}
	if cfg.PersistMode == "" {
		cfg.PersistMode = PersistNone
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.ReplicaID == 0 {
		sorted := append([]string(nil), cfg.Peers...)
		sort.Strings(sorted)
		for i, p := range sorted {
			if p == cfg.Name {
				cfg.ReplicaID = uint32(i + 1)
				break
			}
		}
	}
}

// Validate reports the first problem found, if any.
func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("Config.Name must be set")
	}
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("Config.Peers must list at least this replica")
	}
	seen := make(map[string]bool)
	found := false
	for _, p := range cfg.Peers {
		if p == "" {
			return fmt.Errorf("Config.Peers has an empty name")
		}
		if seen[p] {
			return fmt.Errorf("Config.Peers names '%v' twice", p)
		}
		seen[p] = true
		if p == cfg.Name {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("Config.Name '%v' is not in Config.Peers %v", cfg.Name, cfg.Peers)
	}
	if cfg.ReplicaID == 0 {
		return fmt.Errorf("Config.ReplicaID must be non-zero; call Init()")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return fmt.Errorf("Config.BackoffMax %v is less than BackoffInitial %v", cfg.BackoffMax, cfg.BackoffInitial)
	}
	if _, err := cfg.Compression.magic(); err != nil {
		return err
	}
	switch cfg.PersistMode {
	case PersistNone, PersistMem:
	case PersistFile, PersistBolt:
		if cfg.DataDir == "" && cfg.Persister == nil {
			return fmt.Errorf("Config.PersistMode '%v' needs a DataDir", cfg.PersistMode)
		}
	default:
		return fmt.Errorf("unknown Config.PersistMode '%v'", cfg.PersistMode)
	}
	return nil
}

func (cfg *Config) Quorum() int {
	return QuorumSize(len(cfg.Peers))
}

func (cfg *Config) backoffConfig() expBackoffConfig {
	c := defaultExpBackoffConfig
	c.InitialDelay = cfg.BackoffInitial
	c.MaxDelay = cfg.BackoffMax
	return c
}

// configJSON is the file form of Config: durations are
// written as Go duration strings like "250ms".
type configJSON struct {
	Name             string   `json:"name"`
	ReplicaID        uint32   `json:"replica_id,omitempty"`
	Peers            []string `json:"peers"`
	MaxAttempts      int      `json:"max_attempts,omitempty"`
	BackoffInitial   string   `json:"backoff_initial,omitempty"`
	BackoffMax       string   `json:"backoff_max,omitempty"`
	RoundTimeout     string   `json:"round_timeout,omitempty"`
	CommitWait       string   `json:"commit_wait,omitempty"`
	RequestTimeout   string   `json:"request_timeout,omitempty"`
	ExpiryCheckEvery string   `json:"expiry_check_every,omitempty"`
	RPCTimeout       string   `json:"rpc_timeout,omitempty"`
	GapRepairEvery   string   `json:"gap_repair_every,omitempty"`
	Compression      string   `json:"compression,omitempty"`
	PersistMode      string   `json:"persist_mode,omitempty"`
	DataDir          string   `json:"data_dir,omitempty"`
}

func durString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func parseDur(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config field %v: %w", field, err)
	}
	return d, nil
}

// JSON renders the serializable part of cfg.
func (cfg *Config) JSON() ([]byte, error) {
	j := configJSON{
		Name:             cfg.Name,
		ReplicaID:        cfg.ReplicaID,
		Peers:            cfg.Peers,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffInitial:   durString(cfg.BackoffInitial),
		BackoffMax:       durString(cfg.BackoffMax),
		RoundTimeout:     durString(cfg.RoundTimeout),
		CommitWait:       durString(cfg.CommitWait),
		RequestTimeout:   durString(cfg.RequestTimeout),
		ExpiryCheckEvery: durString(cfg.ExpiryCheckEvery),
		RPCTimeout:       durString(cfg.RPCTimeout),
		GapRepairEvery:   durString(cfg.GapRepairEvery),
		Compression:      string(cfg.Compression),
		PersistMode:      string(cfg.PersistMode),
		DataDir:          cfg.DataDir,
	}
	return gjson.MarshalIndent(j, "", "  ")
}

// ParseConfig reads the JSON form produced by Config.JSON.
// Init is not called.
func ParseConfig(by []byte) (*Config, error) {
	var j configJSON
	if err := gjson.Unmarshal(by, &j); err != nil {
		return nil, fmt.Errorf("ParseConfig: %w", err)
	}
	cfg := &Config{
		Name:        j.Name,
		ReplicaID:   j.ReplicaID,
		Peers:       j.Peers,
		MaxAttempts: j.MaxAttempts,
		Compression: Compression(j.Compression),
		PersistMode: PersistMode(j.PersistMode),
		DataDir:     j.DataDir,
	}
	var err error
	durs := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"backoff_initial", j.BackoffInitial, &cfg.BackoffInitial},
		{"backoff_max", j.BackoffMax, &cfg.BackoffMax},
		{"round_timeout", j.RoundTimeout, &cfg.RoundTimeout},
		{"commit_wait", j.CommitWait, &cfg.CommitWait},
		{"request_timeout", j.RequestTimeout, &cfg.RequestTimeout},
		{"expiry_check_every", j.ExpiryCheckEvery, &cfg.ExpiryCheckEvery},
		{"rpc_timeout", j.RPCTimeout, &cfg.RPCTimeout},
		{"gap_repair_every", j.GapRepairEvery, &cfg.GapRepairEvery},
	}
	for _, d := range durs {
		if *d.dst, err = parseDur(d.name, d.src); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadConfig reads a JSON config file.
func LoadConfig(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(by)
}
