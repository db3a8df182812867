package paxos

import (
	"sync"
	"time"
)

// Clock is the time source for request aging, retry backoff
// and gap repair. Tests inject a MockClock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Ticker abstracts time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{time.NewTicker(d)}
}

type realTicker struct {
	*time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.Ticker.C }

// MockClock only moves when Advance is called. Timers and
// tickers that come due during an Advance fire in time order.
// Sends are non-blocking, so a slow reader misses ticks the
// same way a real time.Ticker drops them.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

func NewMockClock(now time.Time) *MockClock {
	return &MockClock{now: now}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &mockTimer{fireAt: c.now.Add(d), ch: ch})
	return ch
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panicf("MockClock.NewTicker: non-positive interval %v", d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTicker{
		c:        c,
		ch:       make(chan time.Time, 1),
		interval: d,
		nextTick: c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *MockClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Pending reports how many timers and live tickers are
// registered. Tests poll it to know a goroutine is parked
// on the clock before they Advance.
func (c *MockClock) Pending() (timers, tickers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tickers {
		if !t.stopped {
			tickers++
		}
	}
	return len(c.timers), tickers
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.now.Add(d)
	for c.now.Before(end) {
		next := end
		for _, t := range c.timers {
			if t.fireAt.Before(next) {
				next = t.fireAt
			}
		}
		for _, t := range c.tickers {
			if !t.stopped && t.nextTick.Before(next) {
				next = t.nextTick
			}
		}
		c.now = next

		live := c.timers[:0]
		for _, t := range c.timers {
			if t.fireAt.After(c.now) {
				live = append(live, t)
				continue
			}
			select {
			case t.ch <- c.now:
			default:
			}
		}
		c.timers = live

		kept := c.tickers[:0]
		for _, t := range c.tickers {
			if t.stopped {
				continue
			}
			for !t.nextTick.After(c.now) {
				select {
				case t.ch <- t.nextTick:
				default:
				}
				t.nextTick = t.nextTick.Add(t.interval)
			}
			kept = append(kept, t)
		}
		c.tickers = kept
	}
}

type mockTimer struct {
	fireAt time.Time
	ch     chan time.Time
}

type mockTicker struct {
	c        *MockClock
	interval time.Duration
	nextTick time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopped = true
}
