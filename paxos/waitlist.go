package paxos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// RequestCallback is completed exactly once by a
// RequestWaitingList: with the response, or with an error
// (ErrRequestExpired, ErrSuperseded, ErrShutDown, or whatever
// was passed to HandleError).
type RequestCallback[R any] interface {
	OnResponse(r R, from string)
	OnError(err error)
}

// pendingOp is owned by the list from Add until it is
// completed, expired, or displaced.
type pendingOp[K comparable, R any] struct {
	key       K
	cb        RequestCallback[R]
	createdAt time.Time
	seq       uint64
}

// RequestWaitingList correlates responses to the operations
// waiting on them, and expires operations that wait longer
// than the configured expiration.
//
// At most one callback is registered per key. Every removal
// happens under mut before the callback is invoked, so a key
// is completed by a response or by expiry, never both.
type RequestWaitingList[K comparable, R any] struct {
	name       string
	expiration time.Duration
	clock      Clock

	mut        sync.Mutex
	pending    map[K]*pendingOp[K, R]
	pq         *deadlinePQ[K, R]
	nextSeq    uint64
	overwrites int64
	expired    int64
	closed     bool

	halt *idem.Halter
}

// NewRequestWaitingList starts the expiry loop, which checks
// for expired operations every checkEvery on clk.
func NewRequestWaitingList[K comparable, R any](name string, expiration, checkEvery time.Duration, clk Clock) *RequestWaitingList[K, R] {
	if expiration <= 0 {
		panicf("NewRequestWaitingList '%v': expiration must be positive, got %v", name, expiration)
	}
	if checkEvery <= 0 {
		checkEvery = expiration / 4
		if checkEvery <= 0 {
			checkEvery = expiration
		}
	}
	if clk == nil {
		clk = RealClock{}
	}
	w := &RequestWaitingList[K, R]{
		name:       name,
		expiration: expiration,
		clock:      clk,
		pending:    make(map[K]*pendingOp[K, R]),
		pq:         newDeadlinePQ[K, R](name),
		halt:       idem.NewHalter(),
	}
	// the ticker is registered before we return, so a MockClock
	// Advance right after construction is seen by the loop.
	ticker := clk.NewTicker(checkEvery)
	go w.expiryLoop(ticker)
	return w
}

func (w *RequestWaitingList[K, R]) expiryLoop(ticker Ticker) {
	defer func() {
		ticker.Stop()
		w.halt.ReqStop.Close()
		w.halt.Done.Close()
	}()
	for {
		select {
		case <-ticker.C():
			// the tick value can be stale after a large
			// MockClock Advance; ask the clock instead.
			w.expire(w.clock.Now())
		case <-w.halt.ReqStop.Chan:
			return
		}
	}
}

// Add registers cb under key. A callback already registered
// under key is displaced and completed with ErrSuperseded.
func (w *RequestWaitingList[K, R]) Add(key K, cb RequestCallback[R]) {
	if cb == nil {
		panic("RequestWaitingList.Add: nil callback")
	}
	w.mut.Lock()
	if w.closed {
		w.mut.Unlock()
		cb.OnError(ErrShutDown)
		return
	}
	prior, overwrote := w.pending[key]
	if overwrote {
		w.pq.del(prior)
		w.overwrites++
	}
	w.nextSeq++
	op := &pendingOp[K, R]{
		key:       key,
		cb:        cb,
		createdAt: w.clock.Now(),
		seq:       w.nextSeq,
	}
	w.pending[key] = op
	w.pq.add(op)
	w.mut.Unlock()

	if overwrote {
		alwaysPrintf("RequestWaitingList '%v': Add overwrote the pending callback for key '%v'; completing it with ErrSuperseded", w.name, key)
		prior.cb.OnError(ErrSuperseded)
	}
}

// take removes and returns the registration for key, or nil.
func (w *RequestWaitingList[K, R]) take(key K) *pendingOp[K, R] {
	w.mut.Lock()
	defer w.mut.Unlock()
	op, ok := w.pending[key]
	if !ok {
		return nil
	}
	delete(w.pending, key)
	w.pq.del(op)
	return op
}

// HandleResponse completes the callback registered under key.
// It reports false, and does nothing else, when no callback is
// registered: late and duplicate responses are expected.
func (w *RequestWaitingList[K, R]) HandleResponse(key K, r R, from string) bool {
	op := w.take(key)
	if op == nil {
		zz("RequestWaitingList '%v': dropping response for absent key '%v' from '%v'", w.name, key, from)
		return false
	}
	op.cb.OnResponse(r, from)
	return true
}

// HandleError completes the callback registered under key with err.
func (w *RequestWaitingList[K, R]) HandleError(key K, err error) bool {
	op := w.take(key)
	if op == nil {
		return false
	}
	op.cb.OnError(err)
	return true
}

// expire fails every operation older than the expiration.
// It returns how many were expired.
func (w *RequestWaitingList[K, R]) expire(now time.Time) int {
	var victims []*pendingOp[K, R]
	w.mut.Lock()
	for {
		op := w.pq.peek()
		if op == nil || now.Sub(op.createdAt) <= w.expiration {
			break
		}
		w.pq.pop()
		delete(w.pending, op.key)
		victims = append(victims, op)
	}
	w.expired += int64(len(victims))
	w.mut.Unlock()

	for _, op := range victims {
		pp("RequestWaitingList '%v': expiring key '%v' after %v", w.name, op.key, now.Sub(op.createdAt))
		op.cb.OnError(ErrRequestExpired)
	}
	return len(victims)
}

func (w *RequestWaitingList[K, R]) Len() int {
	w.mut.Lock()
	defer w.mut.Unlock()
	return len(w.pending)
}

func (w *RequestWaitingList[K, R]) Contains(key K) bool {
	w.mut.Lock()
	defer w.mut.Unlock()
	_, ok := w.pending[key]
	return ok
}

// Overwrites counts Adds that displaced a pending callback.
func (w *RequestWaitingList[K, R]) Overwrites() int64 {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.overwrites
}

func (w *RequestWaitingList[K, R]) Expired() int64 {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.expired
}

// Close stops the expiry loop and fails every pending
// callback with ErrShutDown. Later Adds fail immediately.
// Close is idempotent.
func (w *RequestWaitingList[K, R]) Close() {
	w.halt.ReqStop.Close()
	<-w.halt.Done.Chan

	w.mut.Lock()
	if w.closed {
		w.mut.Unlock()
		return
	}
	w.closed = true
	victims := make([]*pendingOp[K, R], 0, len(w.pending))
	for {
		op := w.pq.pop()
		if op == nil {
			break
		}
		victims = append(victims, op)
	}
	w.pending = make(map[K]*pendingOp[K, R])
	w.mut.Unlock()

	for _, op := range victims {
		op.cb.OnError(ErrShutDown)
	}
}

func (w *RequestWaitingList[K, R]) String() string {
	return fmt.Sprintf("RequestWaitingList{name:'%v', pending:%v, expiration:%v}", w.name, w.Len(), w.expiration)
}

// Future is a RequestCallback that a goroutine can wait on.
type Future[R any] struct {
	mut  sync.Mutex
	set  bool
	val  R
	from string
	err  error
	done *loquet.Chan[struct{}]
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: loquet.NewChan[struct{}](nil)}
}

func (f *Future[R]) OnResponse(r R, from string) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.val = r
	f.from = from
	f.done.Close()
}

func (f *Future[R]) OnError(err error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.set {
		return
	}
	f.set = true
	f.err = err
	f.done.Close()
}

func (f *Future[R]) Done() <-chan struct{} {
	return f.done.WhenClosed()
}

// Wait returns the completion, or ctx.Err() if ctx ends first.
func (f *Future[R]) Wait(ctx context.Context) (r R, from string, err error) {
	select {
	case <-f.done.WhenClosed():
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.val, f.from, f.err
}

// CallbackFuncs adapts a pair of funcs to RequestCallback.
type CallbackFuncs[R any] struct {
	Response func(r R, from string)
	Error    func(err error)
}

func (c CallbackFuncs[R]) OnResponse(r R, from string) {
	if c.Response != nil {
		c.Response(r, from)
	}
}

func (c CallbackFuncs[R]) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}
