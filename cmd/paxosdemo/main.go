package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glycerine/quorum/paxos"
)

type ConfigDemo struct {
	Replicas   int     // -n number of replicas
	From       int     // -from replica index that proposes
	ConfigPath string  // -config JSON file applied to every replica
	Drop       float64 // -drop message loss probability
	MaxHop     time.Duration
	Compress   string // -compress none, s2, zstd or lz4
	Persist    string // -persist none, mem, file or bolt
	DataDir    string // -dir for file and bolt persistence
	Get        string // -get key to read back through the log
	Timeout    time.Duration
	Stats      bool // -stats print per replica counters
	Help       bool // -h for help
	Verbose    bool // -v protocol trace

	sets [][2]string
}

func (c *ConfigDemo) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Replicas, "n", 3, "number of replicas")
	fs.IntVar(&c.From, "from", 0, "index of the replica that proposes")
	fs.StringVar(&c.ConfigPath, "config", "", "path to a JSON replica config used as a template for every replica")
	fs.Float64Var(&c.Drop, "drop", 0, "probability the simulated network loses any one message")
	fs.DurationVar(&c.MaxHop, "hop", 5*time.Millisecond, "largest simulated one-way network delay")
	fs.StringVar(&c.Compress, "compress", "", "payload compression: none, s2, zstd or lz4")
	fs.StringVar(&c.Persist, "persist", "", "acceptor state persistence: none, mem, file or bolt")
	fs.StringVar(&c.DataDir, "dir", "", "directory for file and bolt persistence")
	fs.StringVar(&c.Get, "get", "", "key to read back through the log once the writes are done")
	fs.DurationVar(&c.Timeout, "t", 30*time.Second, "overall deadline")
	fs.BoolVar(&c.Stats, "stats", false, "print each replica's counters and latencies")
	fs.BoolVar(&c.Help, "h", false, "show this help")
	fs.BoolVar(&c.Verbose, "v", false, "trace the protocol to stdout")
}

func (c *ConfigDemo) SetDefaults() {
	if c.Replicas < 1 {
		c.Replicas = 1
	}
	if c.Persist != "" && c.Persist != string(paxos.PersistNone) && c.Persist != string(paxos.PersistMem) && c.DataDir == "" {
		c.DataDir = os.TempDir() + string(os.PathSeparator) + "paxosdemo"
	}
}

// FinishConfig turns the positional key=value args into writes.
func (c *ConfigDemo) FinishConfig(fs *flag.FlagSet) (err error) {
	if c.From < 0 || c.From >= c.Replicas {
		return fmt.Errorf("-from %v is not a replica index in [0, %v)", c.From, c.Replicas)
	}
	for _, arg := range fs.Args() {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return fmt.Errorf("bad write '%v'; want key=value", arg)
		}
		c.sets = append(c.sets, [2]string{k, v})
	}
	if len(c.sets) == 0 && c.Get == "" {
		c.sets = append(c.sets, [2]string{"title", "Microservices"})
	}
	return
}

// tweak applies the template and the flags to one replica's Config.
func (c *ConfigDemo) tweak(tmpl *paxos.Config) func(cfg *paxos.Config) {
	return func(cfg *paxos.Config) {
		if tmpl != nil {
			name, peers := cfg.Name, cfg.Peers
			*cfg = *tmpl.Clone()
			cfg.Name, cfg.Peers = name, peers
			cfg.ReplicaID = 0
		}
		if c.Compress != "" {
			cfg.Compression = paxos.Compression(c.Compress)
		}
		if c.Persist != "" {
			cfg.PersistMode = paxos.PersistMode(c.Persist)
		}
		if c.DataDir != "" {
			cfg.DataDir = c.DataDir
		}
	}
}

func main() {
	cmdCfg := &ConfigDemo{}

	fs := flag.NewFlagSet("paxosdemo", flag.ExitOnError)
	cmdCfg.SetFlags(fs)
	fs.Parse(os.Args[1:])
	cmdCfg.SetDefaults()
	if cmdCfg.Help {
		fmt.Fprintf(os.Stderr, "paxosdemo [flags] key=value ...\n\nreplicates each write through a Paxos log on a simulated network, then prints every replica's store.\n\n")
		fs.PrintDefaults()
		return
	}
	err := cmdCfg.FinishConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paxosdemo error: %v\n", err)
		os.Exit(1)
	}
	if cmdCfg.Verbose {
		paxos.VerboseVerbose.Store(true)
	}

	var tmpl *paxos.Config
	if cmdCfg.ConfigPath != "" {
		tmpl, err = paxos.LoadConfig(cmdCfg.ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "paxosdemo error: could not load -config: %v\n", err)
			os.Exit(1)
		}
	}

	netCfg := paxos.SimnetConfig{
		MaxHop:     cmdCfg.MaxHop,
		DropProb:   cmdCfg.Drop,
		RPCTimeout: 250 * time.Millisecond,
	}
	c, err := paxos.NewCluster(cmdCfg.Replicas, netCfg, cmdCfg.tweak(tmpl))
	if err != nil {
		fmt.Fprintf(os.Stderr, "paxosdemo error: could not start the cluster: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cmdCfg.Timeout)
	defer cancel()

	l := c.Log(cmdCfg.From)
	failed := 0
	for _, kv := range cmdCfg.sets {
		t0 := time.Now()
		res, err := l.Append(ctx, paxos.NewPut(kv[0], []byte(kv[1])))
		if err != nil {
			fmt.Printf("SET %v=\"%v\" via %v failed: %v\n", kv[0], kv[1], l.Name(), err)
			failed++
			continue
		}
		fmt.Printf("SET %v=\"%v\" via %v: slot %v, applied in %v\n", kv[0], kv[1], l.Name(), res.Index, time.Since(t0))
	}
	if cmdCfg.Get != "" {
		v, err := l.Get(ctx, cmdCfg.Get)
		if err != nil {
			fmt.Printf("GET %v via %v failed: %v\n", cmdCfg.Get, l.Name(), err)
			failed++
		} else {
			fmt.Printf("GET %v via %v = \"%v\"\n", cmdCfg.Get, l.Name(), string(v))
		}
	}

	// let the commit broadcasts land before printing.
	want := l.LastApplied()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		behind := false
		for i := range c.Names {
			if c.Log(i).LastApplied() < want {
				behind = true
			}
		}
		if !behind {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fmt.Println()
	for i, name := range c.Names {
		fmt.Printf("%v: %v\n", name, c.Store(i))
		if cmdCfg.Stats {
			fmt.Printf("   %v\n", c.Log(i).Stats())
		}
	}
	sent, dropped := c.Net.Counts()
	fmt.Printf("\nsimnet: %v messages sent, %v dropped\n", sent, dropped)
	if failed > 0 {
		os.Exit(1)
	}
}
