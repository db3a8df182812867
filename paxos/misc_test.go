package paxos

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test090_backoff_grows_and_stays_bounded(t *testing.T) {

	cv.Convey("the retry delay grows roughly geometrically and never exceeds MaxDelay", t, func() {
		bo := newExpBackoff(expBackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
			Factor:       2,
			Jitter:       0.5,
		})
		var last time.Duration
		for i := 0; i < 30; i++ {
			d := bo.next()
			if d < 0 || d > time.Second {
				t.Fatalf("attempt %v: delay %v out of bounds", i, d)
			}
			last = d
		}
		cv.So(last, cv.ShouldBeGreaterThan, 700*time.Millisecond)

		fresh := newExpBackoff(bo.config)
		cv.So(fresh.next(), cv.ShouldBeLessThan, 20*time.Millisecond)
	})

	cv.Convey("a nonsense config is repaired", t, func() {
		bo := newExpBackoff(expBackoffConfig{Factor: 0.1, MaxDelay: -1})
		cv.So(bo.config.Factor, cv.ShouldEqual, defaultExpBackoffConfig.Factor)
		cv.So(bo.config.InitialDelay, cv.ShouldEqual, defaultExpBackoffConfig.InitialDelay)
		cv.So(bo.config.MaxDelay, cv.ShouldEqual, bo.config.InitialDelay)
	})
}

func Test091_omap_order(t *testing.T) {

	cv.Convey("omap iterates in key order, and ascendFrom starts at the first key not below from", t, func() {
		m := newOmap[uint64, string]()
		for _, k := range []uint64{5, 1, 9, 3, 7} {
			cv.So(m.set(k, "v"), cv.ShouldBeTrue)
		}
		cv.So(m.set(3, "w"), cv.ShouldBeFalse)
		v, ok := m.get2(3)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(v, cv.ShouldEqual, "w")

		var keys []uint64
		for k := range m.all() {
			keys = append(keys, k)
		}
		cv.So(keys, cv.ShouldResemble, []uint64{1, 3, 5, 7, 9})

		keys = nil
		for k := range m.ascendFrom(4) {
			keys = append(keys, k)
		}
		cv.So(keys, cv.ShouldResemble, []uint64{5, 7, 9})
		cv.So(m.Len(), cv.ShouldEqual, 5)
		cv.So(m.String(), cv.ShouldEqual, "omap{1:v, 3:w, 5:v, 7:v, 9:v}")
	})
}

func Test092_stats_quantiles(t *testing.T) {

	cv.Convey("round latencies land in the right digest", t, func() {
		rs := newRoundStats()
		for i := 1; i <= 100; i++ {
			rs.observe(roundPrepare, time.Duration(i)*time.Millisecond)
		}
		rs.observe(roundCommit, 3*time.Millisecond)
		rs.bump(func(s *Stats) { s.Attempts += 2 })

		s := rs.snapshot()
		cv.So(s.Attempts, cv.ShouldEqual, 2)
		cv.So(s.PrepareP50, cv.ShouldBeBetween, 40*time.Millisecond, 60*time.Millisecond)
		cv.So(s.PrepareP99, cv.ShouldBeGreaterThan, 90*time.Millisecond)
		cv.So(s.ProposeP50, cv.ShouldEqual, 0)
		cv.So(s.CommitP50, cv.ShouldEqual, 3*time.Millisecond)
		cv.So(s.String(), cv.ShouldContainSubstring, "attempts:2")
	})
}
