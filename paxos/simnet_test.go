package paxos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// echoHandler answers every request with Ok and counts them.
type echoHandler struct {
	name string
	seen atomic.Int64
}

func (h *echoHandler) HandleRequest(req *Msg) *Msg {
	h.seen.Add(1)
	rep := req.reply(h.name)
	rep.Ok = true
	rep.Value = append([]byte("echo:"), req.Value...)
	return rep
}

func Test080_simnet_request_reply(t *testing.T) {

	cv.Convey("Send gets the reply to its own request, through the msgpack codec", t, func() {
		net := NewSimnet(SimnetConfig{MaxHop: 2 * time.Millisecond, RPCTimeout: 200 * time.Millisecond})
		defer net.Close()
		a := net.NewEndpoint("A")
		b := net.NewEndpoint("B")
		hb := &echoHandler{name: "B"}
		b.Serve(hb)
		cv.So(net.Names(), cv.ShouldResemble, []string{"A", "B"})

		ctx := context.Background()
		for i := 0; i < 20; i++ {
			rep, err := a.Send(ctx, "B", &Msg{Kind: MsgPrepare, Index: uint64(i), Value: []byte{byte(i)}})
			panicOn(err)
			cv.So(rep.Kind, cv.ShouldEqual, MsgPromise)
			cv.So(rep.Index, cv.ShouldEqual, uint64(i))
			cv.So(rep.From, cv.ShouldEqual, "B")
			cv.So(string(rep.Value), cv.ShouldEqual, "echo:"+string([]byte{byte(i)}))
		}
		cv.So(hb.seen.Load(), cv.ShouldEqual, 20)

		_, err := a.Send(ctx, "nobody", &Msg{Kind: MsgPrepare})
		cv.So(errors.Is(err, ErrPeerUnreachable), cv.ShouldBeTrue)
	})

	cv.Convey("an isolated host is unreachable until repaired; a one-way send gets no reply", t, func() {
		net := NewSimnet(SimnetConfig{RPCTimeout: 50 * time.Millisecond})
		defer net.Close()
		a := net.NewEndpoint("A")
		b := net.NewEndpoint("B")
		hb := &echoHandler{name: "B"}
		b.Serve(hb)

		net.IsolateHost("B")
		_, err := a.Send(context.Background(), "B", &Msg{Kind: MsgCommit})
		cv.So(errors.Is(err, ErrPeerUnreachable), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrRequestExpired), cv.ShouldBeTrue)
		_, dropped := net.Counts()
		cv.So(dropped, cv.ShouldEqual, 1)

		net.RepairHost("B")
		panicOn(a.SendOneWay("B", &Msg{Kind: MsgCommit}))
		eventually(t, "B handles the one-way commit", 2*time.Second, func() bool {
			return hb.seen.Load() == 1
		})

		net.SetDropFilter(func(m *Msg, from, to string) bool { return m.Kind == MsgPropose })
		_, err = a.Send(context.Background(), "B", &Msg{Kind: MsgPropose})
		cv.So(err, cv.ShouldNotBeNil)
		_, err = a.Send(context.Background(), "B", &Msg{Kind: MsgPrepare})
		cv.So(err, cv.ShouldBeNil)

		net.AllHealthy()
		_, err = a.Send(context.Background(), "B", &Msg{Kind: MsgPropose})
		cv.So(err, cv.ShouldBeNil)
	})

	cv.Convey("a handler error comes back as a Send error; a closed endpoint refuses to send", t, func() {
		net := NewSimnet(SimnetConfig{RPCTimeout: 200 * time.Millisecond})
		defer net.Close()
		a := net.NewEndpoint("A")
		net.NewEndpoint("B") // no handler installed

		_, err := a.Send(context.Background(), "B", &Msg{Kind: MsgPrepare})
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "no handler")

		net.Detach("A")
		_, err = a.Send(context.Background(), "B", &Msg{Kind: MsgPrepare})
		cv.So(err, cv.ShouldEqual, ErrShutDown)
		cv.So(a.SendOneWay("B", &Msg{Kind: MsgCommit}), cv.ShouldEqual, ErrShutDown)
	})
}

func Test081_replica_rejects_non_requests(t *testing.T) {

	cv.Convey("the acceptor answers a stray response kind with an error, not a state change", t, func() {
		net := NewSimnet(fastNet)
		defer net.Close()
		cfg := NewConfig("A", "A")
		r, err := newReplica(cfg, net.NewEndpoint("A"))
		panicOn(err)
		defer r.close()

		for _, k := range []MsgKind{MsgPromise, MsgProposeResponse, MsgCommitResponse, MsgInvalid, MsgKind(99)} {
			rep := r.HandleRequest(&Msg{Kind: k, Index: 1})
			cv.So(rep.Errs, cv.ShouldNotEqual, "")
		}
		_, ok := r.slots.get(1)
		cv.So(ok, cv.ShouldBeFalse)

		rep := r.HandleRequest(&Msg{Kind: MsgPrepare, Index: 1, Ballot: BallotID{Round: 5, ReplicaID: 2}})
		cv.So(rep.Ok, cv.ShouldBeTrue)
		rep = r.HandleRequest(&Msg{Kind: MsgPrepare, Index: 1, Ballot: BallotID{Round: 4, ReplicaID: 9}})
		cv.So(rep.Ok, cv.ShouldBeFalse)
		cv.So(rep.Ballot, cv.ShouldResemble, BallotID{Round: 5, ReplicaID: 2})

		// the acceptor's own next ballot outbids what it promised.
		cv.So(r.nextBallot().IsAfter(BallotID{Round: 5, ReplicaID: 2}), cv.ShouldBeTrue)
	})
}
