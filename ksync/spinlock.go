package ksync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-wait mutual exclusion lock guarding short critical
// sections. Holders must not block or sleep while the lock is held.
type SpinLock struct {
	name   string
	locked atomic.Bool
}

// Init sets the lock's diagnostic name. A zero SpinLock is usable but
// unnamed.
func (l *SpinLock) Init(name string) {
	l.name = name
}

// Acquire spins until the lock is free, yielding the processor between
// attempts.
func (l *SpinLock) Acquire() {
	for !l.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Release unlocks the lock. Releasing an unheld lock indicates a broken
// lock discipline and panics.
func (l *SpinLock) Release() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("release: spinlock " + l.name + " not held")
	}
}

func (l *SpinLock) Name() string {
	return l.name
}
