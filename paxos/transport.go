package paxos

import (
	"context"
	"fmt"
	"time"
)

// Handler serves inbound requests. The returned reply is
// sent back to the requester; nil means no reply.
type Handler interface {
	HandleRequest(req *Msg) (reply *Msg)
}

// Transport moves Msgs between named replicas.
type Transport interface {
	// Name is this endpoint's own address.
	Name() string

	// Send delivers a request and waits for its reply.
	// A reply carrying Errs comes back as an error.
	Send(ctx context.Context, to string, req *Msg) (*Msg, error)

	// SendOneWay delivers a request whose reply is discarded.
	SendOneWay(to string, req *Msg) error

	// Serve installs the handler for inbound requests.
	Serve(h Handler)
}

// peerSink is what broadcast feeds: QuorumCallback and
// BlockingQuorumCallback both qualify.
type peerSink interface {
	OnResponse(peer string, r *Msg)
	OnError(peer string, err error)
}

// broadcast sends req to every peer, one goroutine each, and
// wires each outcome into sink. A positive rpcTimeout bounds
// each exchange on its own, inside ctx; a peer that misses it
// is reported as ErrPeerUnreachable.
func broadcast(ctx context.Context, tr Transport, peers []string, req *Msg, rpcTimeout time.Duration, sink peerSink) {
	for _, peer := range peers {
		go func(peer string) {
			sctx := ctx
			if rpcTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, rpcTimeout)
				defer cancel()
			}
			reply, err := tr.Send(sctx, peer, req)
			if err != nil {
				if sctx.Err() != nil && ctx.Err() == nil {
					err = fmt.Errorf("%w: no reply from '%v' to %v within %v", ErrPeerUnreachable, peer, req.Kind, rpcTimeout)
				}
				sink.OnError(peer, err)
				return
			}
			sink.OnResponse(peer, reply)
		}(peer)
	}
}
