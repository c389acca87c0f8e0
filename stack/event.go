// Package stack carries parsed STUN traffic from the transport acceptors to
// the listeners interested in it. It holds the hierarchical event dispatcher
// and a minimal STUN stack front-end that sockets register with.
package stack

import (
	"sync"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/transport"
)

// Masked STUN message classes of interest. The class bits of the raw message
// type are 0x0110; masking a request yields 0x0000, an indication 0x0010 and
// the legacy DATA indication (0x0115) the literal 0x0110.
const (
	ClassRequest       uint16 = 0x0000
	ClassIndication    uint16 = 0x0010
	ClassOldIndication uint16 = 0x0110

	classMask uint16 = 0x0110
)

// StunMessageEvent packages a decoded STUN message with the raw frame it
// arrived in.
type StunMessageEvent struct {
	Stack   *StunStack
	Message *stun.Message
	Raw     transport.RawMessage
}

// LocalAddress returns the address the message arrived on.
func (e StunMessageEvent) LocalAddress() transport.Address { return e.Raw.Local() }

// RemoteAddress returns the sender address.
func (e StunMessageEvent) RemoteAddress() transport.Address { return e.Raw.Remote() }

// MessageType returns the raw 14-bit STUN message type.
func (e StunMessageEvent) MessageType() uint16 { return e.Message.Type.Value() }

// MessageEventHandler is notified when a STUN message it registered for has
// been received, parsed and is ready for delivery.
type MessageEventHandler interface {
	HandleMessageEvent(e StunMessageEvent)
}

// MessageEventHandlerFunc adapts a function to MessageEventHandler. Note
// that func values are not comparable, so an adapter can be registered but
// is never deduplicated or removed; use a pointer handler when idempotent
// add/remove matters.
type MessageEventHandlerFunc func(e StunMessageEvent)

// HandleMessageEvent implements MessageEventHandler.
func (f MessageEventHandlerFunc) HandleMessageEvent(e StunMessageEvent) { f(e) }

// StunStack is the front-end the transport layer hands parsed STUN traffic
// to. It owns the root event dispatcher and tracks the sockets registered
// for STUN processing.
type StunStack struct {
	dispatcher *EventDispatcher

	mu      sync.Mutex
	sockets map[string]*socket.Wrapper
}

// NewStunStack creates an empty stack.
func NewStunStack() *StunStack {
	return &StunStack{
		dispatcher: NewEventDispatcher(),
		sockets:    make(map[string]*socket.Wrapper),
	}
}

// Dispatcher returns the root event dispatcher.
func (s *StunStack) Dispatcher() *EventDispatcher { return s.dispatcher }

// HandleMessageEvent dispatches a parsed STUN message to the registered
// listeners. Never fails; absent listeners are silent.
func (s *StunStack) HandleMessageEvent(e StunMessageEvent) {
	log.Tracef("dispatching STUN %s from %s on %s", e.Message.Type, e.RemoteAddress(), e.LocalAddress())
	s.dispatcher.FireMessageEvent(e)
}

// AddSocket registers a wrapper for STUN processing.
func (s *StunStack) AddSocket(w *socket.Wrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[w.Local().Key()] = w
}

// RemoveSocket unregisters a wrapper.
func (s *StunStack) RemoveSocket(w *socket.Wrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, w.Local().Key())
}

// Socket returns the wrapper registered on local, or nil.
func (s *StunStack) Socket(local transport.Address) *socket.Wrapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[local.Key()]
}
