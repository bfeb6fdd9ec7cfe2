package kclock

import (
	"sync"
	"time"

	"minikernel/ksync"
)

// Clock is the kernel's monotonic tick counter. The counter sits behind
// its own spin lock; readers may hold other spin locks while reading.
type Clock struct {
	lock  ksync.SpinLock
	ticks uint64

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New() *Clock {
	c := &Clock{}
	c.lock.Init("time")
	return c
}

// Now returns the current tick value.
func (c *Clock) Now() uint64 {
	c.lock.Acquire()
	t := c.ticks
	c.lock.Release()
	return t
}

// Advance increments the tick counter by one.
func (c *Clock) Advance() {
	c.lock.Acquire()
	c.ticks++
	c.lock.Release()
}

// Start advances the clock every interval from a background goroutine,
// the timer-interrupt analog. Tests usually skip Start and call Advance
// directly.
func (c *Clock) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		t := time.NewTicker(interval)
		defer t.Stop()
		defer close(done)
		for {
			select {
			case <-t.C:
				c.Advance()
			case <-stop:
				return
			}
		}
	}(c.stop, c.done)
}

// Stop halts the background ticker started by Start and waits for it to
// exit.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop = nil
	c.done = nil
}
