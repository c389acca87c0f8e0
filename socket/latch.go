package socket

import (
	"sync"
	"time"
)

// Latch is a one-shot signal like sync.Cond, but using a channel so waiters
// can select against a timeout.
type Latch struct {
	once sync.Once
	c    chan struct{}
}

// NewLatch creates an unsignaled latch.
func NewLatch() *Latch {
	return &Latch{c: make(chan struct{})}
}

// CountDown releases all current and future waiters. Safe to call more than
// once.
func (l *Latch) CountDown() {
	l.once.Do(func() { close(l.c) })
}

// Wait blocks until the latch is counted down or the timeout elapses.
// Returns true when the latch was released.
func (l *Latch) Wait(timeout time.Duration) bool {
	select {
	case <-l.c:
		return true
	case <-time.After(timeout):
		return false
	}
}

// C exposes the latch channel for select.
func (l *Latch) C() <-chan struct{} { return l.c }
