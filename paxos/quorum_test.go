package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

type fakeReply struct {
	ok bool
}

func replyOk(r fakeReply) bool { return r.ok }

const (
	outcomeSuccess = iota
	outcomeReject
	outcomeError
)

// shuffledOutcomes returns n random outcomes in random order.
func shuffledOutcomes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(cryptoRandNonNegInt64Range(3))
	}
	for i := n - 1; i > 0; i-- {
		j := cryptoRandNonNegInt64Range(int64(i + 1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func Test003_quorum_size(t *testing.T) {

	cv.Convey("quorum is a strict majority", t, func() {
		cv.So(QuorumSize(1), cv.ShouldEqual, 1)
		cv.So(QuorumSize(2), cv.ShouldEqual, 2)
		cv.So(QuorumSize(3), cv.ShouldEqual, 2)
		cv.So(QuorumSize(4), cv.ShouldEqual, 3)
		cv.So(QuorumSize(5), cv.ShouldEqual, 3)
		cv.So(QuorumSize(7), cv.ShouldEqual, 4)
	})
}

func Test004_quorum_callback_resolves_at_the_deciding_event(t *testing.T) {

	cv.Convey("for N in {1,3,5,7} and random interleavings, the callback resolves exactly when the outcome is decided, and with the right outcome", t, func() {
		for _, n := range []int{1, 3, 5, 7} {
			q := QuorumSize(n)
			for trial := 0; trial < 200; trial++ {
				outs := shuffledOutcomes(n)
				qc := NewQuorumCallback[fakeReply](n, replyOk)
				cv.So(qc.Quorum(), cv.ShouldEqual, q)
				cv.So(qc.Expected(), cv.ShouldEqual, n)

				succ, failed := 0, 0
				var decidedAt = -1
				wantSuccess := false
				for i, o := range outs {
					peer := fmt.Sprintf("p%v", i)
					switch o {
					case outcomeSuccess:
						succ++
						qc.OnResponse(peer, fakeReply{ok: true})
					case outcomeReject:
						failed++
						qc.OnResponse(peer, fakeReply{ok: false})
					case outcomeError:
						failed++
						qc.OnError(peer, errors.New("unreachable"))
					}
					if decidedAt < 0 {
						if succ >= q {
							decidedAt = i
							wantSuccess = true
						} else if failed > n-q {
							decidedAt = i
						}
					}
					if got := qc.IsResolved(); got != (decidedAt >= 0) {
						t.Fatalf("n=%v outs=%v: after event %v IsResolved=%v, want %v", n, outs, i, got, decidedAt >= 0)
					}
				}
				if decidedAt < 0 {
					t.Fatalf("n=%v outs=%v: never decided", n, outs)
				}
				res, err := qc.Result()
				if wantSuccess {
					if err != nil {
						t.Fatalf("n=%v outs=%v: want success, got %v", n, outs, err)
					}
					okCount := 0
					for _, r := range res {
						if r.ok {
							okCount++
						}
					}
					if okCount < q {
						t.Fatalf("n=%v: success with only %v qualifying responses", n, okCount)
					}
					if len(res) != countOutcome(outs[:decidedAt+1], outcomeSuccess)+countOutcome(outs[:decidedAt+1], outcomeReject) {
						t.Fatalf("n=%v outs=%v: success map has %v entries, want every response up to event %v", n, outs, len(res), decidedAt)
					}
				} else {
					var qe *QuorumError
					if !errors.As(err, &qe) {
						t.Fatalf("n=%v outs=%v: want *QuorumError, got %v", n, outs, err)
					}
					if qe.Quorum != q || qe.Expected != n || qe.Succeeded >= q {
						t.Fatalf("bad QuorumError: %v", qe)
					}
				}
			}
		}
	})
}

func Test005_quorum_callback_concurrent_reporters(t *testing.T) {

	cv.Convey("many goroutines reporting at once: Done closes once, and the outcome follows the counts", t, func() {
		for _, n := range []int{1, 3, 5, 7} {
			for trial := 0; trial < 50; trial++ {
				outs := shuffledOutcomes(n)
				qc := NewQuorumCallback[fakeReply](n, replyOk)
				succ := 0
				var wg sync.WaitGroup
				for i, o := range outs {
					if o == outcomeSuccess {
						succ++
					}
					wg.Add(1)
					go func(i, o int) {
						defer wg.Done()
						peer := fmt.Sprintf("p%v", i)
						switch o {
						case outcomeSuccess:
							qc.OnResponse(peer, fakeReply{ok: true})
						case outcomeReject:
							qc.OnResponse(peer, fakeReply{ok: false})
						case outcomeError:
							qc.OnError(peer, errors.New("boom"))
						}
						// duplicates from the same peer are ignored.
						qc.OnError(peer, errors.New("dup"))
					}(i, o)
				}
				wg.Wait()

				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_, err := qc.Wait(ctx)
				cancel()
				if (succ >= QuorumSize(n)) != (err == nil) {
					t.Fatalf("n=%v outs=%v succ=%v: err=%v", n, outs, succ, err)
				}
				cv.So(len(qc.Responses())+countOutcome(outs, outcomeError), cv.ShouldEqual, n)
			}
		}
	})
}

func countOutcome(outs []int, which int) (n int) {
	for _, o := range outs {
		if o == which {
			n++
		}
	}
	return
}

func Test006_quorum_callback_wait_and_edges(t *testing.T) {

	cv.Convey("Wait returns ctx.Err when the quorum is still open", t, func() {
		qc := NewQuorumCallback[fakeReply](3, replyOk)
		qc.OnResponse("a", fakeReply{ok: true})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := qc.Wait(ctx)
		cv.So(errors.Is(err, context.DeadlineExceeded), cv.ShouldBeTrue)

		res, err := qc.Result()
		cv.So(res, cv.ShouldBeNil)
		cv.So(err, cv.ShouldBeNil)

		qc.OnResponse("b", fakeReply{ok: true})
		<-qc.Done()
		res, err = qc.Result()
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(res), cv.ShouldEqual, 2)
	})

	cv.Convey("a nil predicate accepts every response", t, func() {
		qc := NewQuorumCallback[fakeReply](1, nil)
		qc.OnResponse("a", fakeReply{ok: false})
		cv.So(qc.IsResolved(), cv.ShouldBeTrue)
		_, err := qc.Result()
		cv.So(err, cv.ShouldBeNil)
	})

	cv.Convey("later events do not change an outcome already reached", t, func() {
		qc := NewQuorumCallback[fakeReply](3, replyOk)
		qc.OnError("a", errors.New("x"))
		qc.OnError("b", errors.New("y"))
		_, err := qc.Result()
		cv.So(err, cv.ShouldNotBeNil)
		qc.OnResponse("c", fakeReply{ok: true})
		_, err2 := qc.Result()
		cv.So(err2, cv.ShouldEqual, err)

		var qe *QuorumError
		cv.So(errors.As(err, &qe), cv.ShouldBeTrue)
		cv.So(len(qe.PeerErrs), cv.ShouldEqual, 2)
	})

	cv.Convey("success hands back every response so far, rejections included", t, func() {
		qc := NewQuorumCallback[fakeReply](5, replyOk)
		qc.OnResponse("a", fakeReply{ok: false})
		qc.OnError("b", errors.New("down"))
		qc.OnResponse("c", fakeReply{ok: true})
		qc.OnResponse("d", fakeReply{ok: true})
		cv.So(qc.IsResolved(), cv.ShouldBeFalse)
		qc.OnResponse("e", fakeReply{ok: true})

		res, err := qc.Result()
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(res), cv.ShouldEqual, 4)
		cv.So(res["a"].ok, cv.ShouldBeFalse)
		cv.So(res["e"].ok, cv.ShouldBeTrue)
	})

	cv.Convey("all replies in without a quorum: the failure carries the non-qualifying responses", t, func() {
		qc := NewQuorumCallback[fakeReply](3, replyOk)
		qc.OnResponse("a", fakeReply{ok: true})
		qc.OnResponse("b", fakeReply{ok: false})
		qc.OnResponse("c", fakeReply{ok: false})
		_, err := qc.Result()

		var qe *QuorumError
		cv.So(errors.As(err, &qe), cv.ShouldBeTrue)
		cv.So(qe.Succeeded, cv.ShouldEqual, 1)
		cv.So(qe.Rejected, cv.ShouldResemble, []string{"b", "c"})
		cv.So(len(qe.NonQualifying), cv.ShouldEqual, 2)
		cv.So(qe.NonQualifying["b"].(fakeReply).ok, cv.ShouldBeFalse)
		cv.So(errors.Is(err, ErrRejected), cv.ShouldBeTrue)
	})

	cv.Convey("a failure made only of errors is not a rejection", t, func() {
		qc := NewQuorumCallback[fakeReply](3, replyOk)
		qc.OnError("a", ErrPeerUnreachable)
		qc.OnError("b", ErrPeerUnreachable)
		_, err := qc.Result()
		cv.So(errors.Is(err, ErrPeerUnreachable), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrRejected), cv.ShouldBeFalse)
	})

	cv.Convey("expected < 1 is a programming error", t, func() {
		cv.So(func() { NewQuorumCallback[fakeReply](0, nil) }, cv.ShouldPanic)
		cv.So(func() { NewBlockingQuorumCallback[fakeReply](0) }, cv.ShouldPanic)
	})
}

func Test007_blocking_quorum_callback(t *testing.T) {

	cv.Convey("the gate opens after a quorum of events, and Await hands back a snapshot", t, func() {
		b := NewBlockingQuorumCallback[fakeReply](5)
		cv.So(b.Quorum(), cv.ShouldEqual, 3)
		go func() {
			b.OnResponse("a", fakeReply{ok: true})
			b.OnResponse("b", fakeReply{ok: false})
			b.OnResponse("c", fakeReply{ok: true})
		}()
		snap, err := b.Await(0)
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(snap), cv.ShouldBeGreaterThanOrEqualTo, 3)
		cv.So(b.CountIf(replyOk), cv.ShouldEqual, 2)
		cv.So(b.Satisfied(replyOk), cv.ShouldBeFalse)

		b.OnResponse("d", fakeReply{ok: true})
		cv.So(b.Satisfied(replyOk), cv.ShouldBeTrue)
		cv.So(b.Peers(), cv.ShouldResemble, []string{"a", "b", "c", "d"})
	})

	cv.Convey("Await times out with ErrQuorumTimeout when too few peers answer", t, func() {
		b := NewBlockingQuorumCallback[fakeReply](3)
		b.OnResponse("a", fakeReply{ok: true})
		t0 := time.Now()
		snap, err := b.Await(30 * time.Millisecond)
		cv.So(err, cv.ShouldEqual, ErrQuorumTimeout)
		cv.So(len(snap), cv.ShouldEqual, 1)
		cv.So(time.Since(t0), cv.ShouldBeGreaterThanOrEqualTo, 30*time.Millisecond)
	})

	cv.Convey("a quorum of errors is a *QuorumError", t, func() {
		b := NewBlockingQuorumCallback[fakeReply](3)
		b.OnError("a", ErrPeerUnreachable)
		b.OnError("b", ErrPeerUnreachable)
		_, err := b.Await(time.Second)
		var qe *QuorumError
		cv.So(errors.As(err, &qe), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrPeerUnreachable), cv.ShouldBeTrue)
	})

	cv.Convey("a peer is counted once", t, func() {
		b := NewBlockingQuorumCallback[fakeReply](3)
		b.OnResponse("a", fakeReply{ok: true})
		b.OnResponse("a", fakeReply{ok: true})
		b.OnError("a", ErrPeerUnreachable)
		_, err := b.Await(20 * time.Millisecond)
		cv.So(err, cv.ShouldEqual, ErrQuorumTimeout)
	})
}
