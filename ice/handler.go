package ice

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
)

// pendingAttach is a (stack, wrapper) pair stashed until the first session
// on the wrapper's local address opens.
type pendingAttach struct {
	stunStack *stack.StunStack
	wrapper   *socket.Wrapper
}

// Handler bridges session lifecycle events into the socket wrappers and the
// STUN stack. Callbacks run on I/O workers.
type Handler struct {
	mu sync.Mutex
	// pending holds attachments waiting for their first session, keyed by
	// local address.
	pending map[string]pendingAttach
	// attached holds the consumed attachments so later sessions on the
	// same local address (new remotes, reconnects) keep resolving.
	attached map[string]pendingAttach
}

// NewHandler creates an empty handler.
func NewHandler() *Handler {
	return &Handler{
		pending:  make(map[string]pendingAttach),
		attached: make(map[string]pendingAttach),
	}
}

// AddStackAndSocket stashes a (stack, wrapper) pair until a session opens on
// the wrapper's local address.
func (h *Handler) AddStackAndSocket(st *stack.StunStack, w *socket.Wrapper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[w.Local().Key()] = pendingAttach{stunStack: st, wrapper: w}
}

// lookup resolves the attachment for a local address, consuming the pending
// entry on first use.
func (h *Handler) lookup(localKey string) (pendingAttach, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if att, ok := h.attached[localKey]; ok {
		return att, true
	}
	if att, ok := h.pending[localKey]; ok {
		delete(h.pending, localKey)
		h.attached[localKey] = att
		return att, true
	}
	return pendingAttach{}, false
}

// SessionOpened attaches the STUN stack and wrapper as session attributes
// and installs the session on the wrapper, releasing any send waiting on the
// connect latch. A session opening on a wrapper that already has an active
// one promotes the previous session to the stale ring.
func (h *Handler) SessionOpened(sess *Session) {
	log.Debugf("session %d opened: %s -> %s", sess.ID(), sess.Remote(), sess.Local())
	att, ok := h.lookup(sess.Local().Key())
	if !ok {
		log.Debugf("no pending attach for %s", sess.Local())
		return
	}
	sess.SetAttribute(AttrStunStack, att.stunStack)
	sess.SetAttribute(AttrConnection, att.wrapper)
	// TCP sockets defer STUN registration until a client connects; for UDP
	// this is a repeat of the harvester's registration.
	att.stunStack.AddSocket(att.wrapper)
	att.wrapper.SetSession(sess)
}

// SessionClosed removes the session from its wrapper. The wrapper itself
// stays open.
func (h *Handler) SessionClosed(sess *Session) {
	log.Debugf("session %d closed: %s -> %s", sess.ID(), sess.Remote(), sess.Local())
	if w, ok := sess.Attribute(AttrConnection).(*socket.Wrapper); ok {
		w.ClearSession(sess)
	}
}

// ExceptionCaught logs the error and closes the session; it never
// propagates.
func (h *Handler) ExceptionCaught(sess *Session, err error) {
	log.Warnf("exception on session %d (%s): %v", sess.ID(), sess.Remote(), err)
	if closeErr := sess.Close(); closeErr != nil {
		log.Debugf("closing session %d: %v", sess.ID(), closeErr)
	}
}

// SessionIdle is a no-op.
func (h *Handler) SessionIdle(sess *Session) {}

// Detach drops the attachment for a local address; used when a binding is
// removed.
func (h *Handler) Detach(localKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, localKey)
	delete(h.attached, localKey)
}

// Reset releases every pending and attached entry; called on acceptor stop.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = make(map[string]pendingAttach)
	h.attached = make(map[string]pendingAttach)
}

// Wrapper returns the wrapper attached for a local address, or nil.
func (h *Handler) Wrapper(localKey string) *socket.Wrapper {
	h.mu.Lock()
	defer h.mu.Unlock()
	if att, ok := h.attached[localKey]; ok {
		return att.wrapper
	}
	if att, ok := h.pending[localKey]; ok {
		return att.wrapper
	}
	return nil
}
