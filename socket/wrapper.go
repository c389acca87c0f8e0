// Package socket owns the per-endpoint state of the transport layer: the
// bounded raw message queue, the active and stale sessions, the optional
// relayed path, and the send/receive operations the rest of the agent uses.
package socket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/demux"
	"github.com/icewireio/icewire/transport"
)

// connectTimeout caps the wait for a session to come up during Send.
const connectTimeout = 3000 * time.Millisecond

// maxStaleSessions bounds the ring of sessions kept around after promotion
// to absorb late writes; the oldest is evicted.
const maxStaleSessions = 8

// Session is one logical connection on a wrapper. For TCP every accepted
// connection is a session; for UDP the acceptor synthesizes one per observed
// remote.
type Session interface {
	ID() uint64
	Remote() transport.Address
	Local() transport.Address
	Write(buf []byte, dest transport.Address) (int, error)
	SetAttribute(name string, value interface{})
	Attribute(name string) interface{}
	Close() error
}

// Acceptor is the slice of the transport acceptor a wrapper needs to lazily
// establish sessions.
type Acceptor interface {
	IsBound(port int) bool
	AddBinding(addr transport.Address) error
	NewSession(remote, local transport.Address) (Session, error)
}

// RelayedConnection is a TURN-backed path. When configured on a wrapper,
// non-TURN-control sends are delegated to it.
type RelayedConnection interface {
	Send(buf []byte, dest transport.Address) error
	Close() error
}

// WriteObserver is notified after each write on the active session.
type WriteObserver func(n int, err error)

// Wrapper owns one logical endpoint. Application threads may call Send and
// Receive concurrently with the I/O pool invoking Enqueue.
type Wrapper struct {
	id       string
	local    transport.Address
	acceptor Acceptor
	queue    *RawMessageQueue

	closed     atomic.Bool
	connecting atomic.Bool

	mu            sync.Mutex
	session       Session
	staleSessions []Session
	relayed       RelayedConnection
	filters       []DataFilter
	writeObserver WriteObserver
	connectLatch  *Latch
	onClose       func()
}

// NewWrapper creates a wrapper for the given local endpoint. The acceptor
// may be nil; sends then fail after the connect timeout but the wrapper
// stays usable.
func NewWrapper(local transport.Address, acceptor Acceptor) *Wrapper {
	return &Wrapper{
		id:           uuid.NewString(),
		local:        local,
		acceptor:     acceptor,
		queue:        NewRawMessageQueue(DefaultQueueCapacity),
		connectLatch: NewLatch(),
	}
}

// ID returns the opaque wrapper id.
func (w *Wrapper) ID() string { return w.id }

// Local returns the local endpoint. Its transport is fixed at construction.
func (w *Wrapper) Local() transport.Address { return w.local }

// Queue exposes the raw message queue to the decode path.
func (w *Wrapper) Queue() *RawMessageQueue { return w.queue }

// IsClosed reports whether Close was called.
func (w *Wrapper) IsClosed() bool { return w.closed.Load() }

// SetRelayed configures the relayed fallback path.
func (w *Wrapper) SetRelayed(rc RelayedConnection) {
	w.mu.Lock()
	w.relayed = rc
	w.mu.Unlock()
}

// SetWriteObserver installs the observer notified after active-session writes.
func (w *Wrapper) SetWriteObserver(obs WriteObserver) {
	w.mu.Lock()
	w.writeObserver = obs
	w.mu.Unlock()
}

// SetOnClose installs the acceptor's unbind hook, invoked once on Close when
// the wrapper owns its binding.
func (w *Wrapper) SetOnClose(f func()) {
	w.mu.Lock()
	w.onClose = f
	w.mu.Unlock()
}

// AddFilter registers a predicate gating queue insertion.
func (w *Wrapper) AddFilter(f DataFilter) {
	w.mu.Lock()
	w.filters = append(w.filters, f)
	w.mu.Unlock()
}

// Send writes buf toward dest. When a relayed path is configured and buf is
// not a TURN control message, the relay carries it. Otherwise the active
// session is used if its remote matches, else the stale sessions (first
// match wins, best effort); when an active session exists and neither it nor
// a stale session matches dest, nothing is sent. Only when no session is
// active is one established on demand, with a bounded wait.
func (w *Wrapper) Send(buf []byte, dest transport.Address) error {
	if w.closed.Load() {
		return transport.ErrClosed
	}
	w.mu.Lock()
	relayed := w.relayed
	w.mu.Unlock()
	if relayed != nil && !demux.IsTURNMethod(buf) {
		log.Tracef("relayed send of %d bytes to %s", len(buf), dest)
		return relayed.Send(buf, dest)
	}

	sess := w.Session()
	if sess != nil {
		if dest.Equal(sess.Remote()) {
			return w.writeActive(sess, buf, dest)
		}
		return w.writeStale(buf, dest)
	}

	log.Debugf("no session, attempting connect from %s to %s", w.local, dest)
	if w.connecting.CompareAndSwap(false, true) {
		w.NewSession(dest)
	}
	w.mu.Lock()
	latch := w.connectLatch
	w.mu.Unlock()
	if !latch.Wait(connectTimeout) {
		// Allow a later send to retry the connect.
		w.connecting.Store(false)
		log.Warnf("send failed due to connection timeout from %s to %s", w.local, dest)
		return fmt.Errorf("%w: no session to %s within %s", transport.ErrTimeout, dest, connectTimeout)
	}
	sess = w.Session()
	if sess == nil {
		log.Warnf("send failed due to nil session")
		return fmt.Errorf("no session to %s", dest)
	}
	return w.writeActive(sess, buf, dest)
}

func (w *Wrapper) writeActive(sess Session, buf []byte, dest transport.Address) error {
	n, err := sess.Write(buf, dest)
	w.mu.Lock()
	obs := w.writeObserver
	w.mu.Unlock()
	if obs != nil {
		obs(n, err)
	}
	if err != nil {
		log.Warnf("write of %d bytes to %s failed: %v", len(buf), dest, err)
	}
	return err
}

// writeStale scans the stale ring for a session whose remote matches dest
// and writes through the first match. Best effort: failures are swallowed
// and the session is never promoted back.
func (w *Wrapper) writeStale(buf []byte, dest transport.Address) error {
	w.mu.Lock()
	stale := w.staleSessions
	w.mu.Unlock()
	for _, s := range stale {
		if dest.Equal(s.Remote()) {
			log.Tracef("sending to stale session: %s", dest)
			if _, err := s.Write(buf, dest); err != nil {
				log.Debugf("stale session write to %s failed: %v", dest, err)
			}
			break
		}
	}
	return nil
}

// SendMessage is a convenience wrapping a payload and its destination.
func (w *Wrapper) SendMessage(m transport.RawMessage) error {
	return w.Send(m.Bytes(), m.Remote())
}

// Receive copies the oldest queued message into p and returns its length and
// source. ok is false when the queue is empty; p is left untouched then.
// Never blocks.
func (w *Wrapper) Receive(p []byte) (n int, remote transport.Address, ok bool) {
	m, ok := w.queue.Poll()
	if !ok {
		return 0, transport.Address{}, false
	}
	n = copy(p, m.Bytes())
	return n, m.Remote(), true
}

// Read dequeues the oldest raw message. ok is false when the queue is empty.
// Never blocks.
func (w *Wrapper) Read() (transport.RawMessage, bool) {
	return w.queue.Poll()
}

// Enqueue runs m through the registered filters and offers it to the queue.
// Called by the decode path on an I/O worker.
func (w *Wrapper) Enqueue(m transport.RawMessage) bool {
	if w.closed.Load() {
		return false
	}
	w.mu.Lock()
	filters := w.filters
	w.mu.Unlock()
	for _, f := range filters {
		if !f.Accept(m.Bytes()) {
			log.Tracef("filter rejected %d byte message from %s", m.Len(), m.Remote())
			return false
		}
	}
	return w.queue.Offer(m)
}

// NewSession ensures the acceptor is bound on the local address and asks it
// to establish a session toward dest. All failures are logged; none escape.
func (w *Wrapper) NewSession(dest transport.Address) {
	log.Debugf("newSession: %s", dest)
	if w.acceptor == nil {
		log.Debugf("no existing acceptor available for %s", w.local)
		return
	}
	if !w.acceptor.IsBound(w.local.Port) {
		if err := w.acceptor.AddBinding(w.local); err != nil {
			log.Warnf("failed to bind %s while creating session: %v", w.local, err)
			return
		}
	}
	if w.Session() != nil {
		log.Debugf("session already connected on %s", w.local)
		return
	}
	sess, err := w.acceptor.NewSession(dest, w.local)
	if err != nil {
		log.Warnf("failed to create session from %s to %s: %v", w.local, dest, err)
		return
	}
	w.SetSession(sess)
}

// Session returns the active session or nil.
func (w *Wrapper) Session() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// SetSession installs sess as the active session. A previously active
// session moves to the stale ring, which keeps a bounded number of promoted
// sessions around to absorb late writes. The connect latch is released.
func (w *Wrapper) SetSession(sess Session) {
	w.mu.Lock()
	if prev := w.session; prev != nil && prev != sess {
		stale := make([]Session, 0, len(w.staleSessions)+1)
		stale = append(stale, w.staleSessions...)
		stale = append(stale, prev)
		if len(stale) > maxStaleSessions {
			stale = stale[len(stale)-maxStaleSessions:]
		}
		w.staleSessions = stale
		log.Debugf("session %d promoted away on %s, %d stale", prev.ID(), w.local, len(stale))
	}
	w.session = sess
	latch := w.connectLatch
	w.mu.Unlock()
	latch.CountDown()
}

// ClearSession removes sess from the wrapper, whether active or stale. Does
// not close the wrapper. Removing the active session re-arms the connect
// latch so a later send can establish a fresh session.
func (w *Wrapper) ClearSession(sess Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == sess {
		w.session = nil
		w.connectLatch = NewLatch()
		w.connecting.Store(false)
		return
	}
	for i, s := range w.staleSessions {
		if s == sess {
			stale := make([]Session, 0, len(w.staleSessions)-1)
			stale = append(stale, w.staleSessions[:i]...)
			stale = append(stale, w.staleSessions[i+1:]...)
			w.staleSessions = stale
			return
		}
	}
}

// StaleSessions returns a snapshot of the stale ring, oldest first.
func (w *Wrapper) StaleSessions() []Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Session(nil), w.staleSessions...)
}

// Close marks the wrapper closed, stops the queue from accepting new
// messages (queued ones remain drainable), closes the sessions and releases
// the relayed path. Idempotent.
func (w *Wrapper) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.queue.Close()

	w.mu.Lock()
	sess := w.session
	stale := w.staleSessions
	relayed := w.relayed
	onClose := w.onClose
	w.session = nil
	w.staleSessions = nil
	w.relayed = nil
	w.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Debugf("closing active session on %s: %v", w.local, err)
		}
	}
	for _, s := range stale {
		_ = s.Close()
	}
	if relayed != nil {
		if err := relayed.Close(); err != nil {
			log.Debugf("closing relayed connection on %s: %v", w.local, err)
		}
	}
	if onClose != nil {
		onClose()
	}
	log.Debugf("wrapper %s on %s closed", w.id, w.local)
	return nil
}
