package paxos

import (
	"fmt"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Stats is a point in time copy of a replica's counters and
// round latency quantiles.
type Stats struct {
	Attempts       int64
	Rejections     int64
	QuorumFailures int64
	Consensus      int64
	GaveUp         int64
	Adopted        int64
	LostSlots      int64
	GapRepairs     int64
	Applied        int64
	Expired        int64
	Overwrites     int64

	PrepareP50, PrepareP99 time.Duration
	ProposeP50, ProposeP99 time.Duration
	CommitP50, CommitP99   time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{attempts:%v rejections:%v quorumFailures:%v consensus:%v gaveUp:%v adopted:%v lostSlots:%v gapRepairs:%v applied:%v expired:%v overwrites:%v prepare p50/p99:%v/%v propose p50/p99:%v/%v commit p50/p99:%v/%v}",
		s.Attempts, s.Rejections, s.QuorumFailures, s.Consensus, s.GaveUp, s.Adopted, s.LostSlots, s.GapRepairs, s.Applied, s.Expired, s.Overwrites,
		s.PrepareP50, s.PrepareP99, s.ProposeP50, s.ProposeP99, s.CommitP50, s.CommitP99)
}

type roundKind int

const (
	roundPrepare roundKind = iota
	roundPropose
	roundCommit
)

// roundStats accumulates Stats. Latencies are kept in
// t-digests, one per round kind.
type roundStats struct {
	mut     sync.Mutex
	s       Stats
	digests [3]*tdigest.TDigest
}

func newRoundStats() *roundStats {
	r := &roundStats{}
	for i := range r.digests {
		td, err := tdigest.New(tdigest.Compression(100))
		panicOn(err)
		r.digests[i] = td
	}
	return r
}

func (r *roundStats) observe(k roundKind, d time.Duration) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.digests[k].Add(float64(d))
}

// bump runs f on the counters under the lock.
func (r *roundStats) bump(f func(s *Stats)) {
	r.mut.Lock()
	f(&r.s)
	r.mut.Unlock()
}

func quantile(td *tdigest.TDigest, q float64) time.Duration {
	if td.Count() == 0 {
		return 0
	}
	return time.Duration(td.Quantile(q))
}

func (r *roundStats) snapshot() Stats {
	r.mut.Lock()
	defer r.mut.Unlock()
	s := r.s
	s.PrepareP50 = quantile(r.digests[roundPrepare], 0.5)
	s.PrepareP99 = quantile(r.digests[roundPrepare], 0.99)
	s.ProposeP50 = quantile(r.digests[roundPropose], 0.5)
	s.ProposeP99 = quantile(r.digests[roundPropose], 0.99)
	s.CommitP50 = quantile(r.digests[roundCommit], 0.5)
	s.CommitP99 = quantile(r.digests[roundCommit], 0.99)
	return s
}
