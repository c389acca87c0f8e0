package stack

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/icewireio/icewire/transport"
)

// messageTypeHandler pairs a masked message type with the delegate it
// forwards to. Equality is structural so that add and remove are
// idempotent: registering the same (type, delegate) twice is a no-op.
type messageTypeHandler struct {
	messageType uint16
	delegate    MessageEventHandler
}

// equal compares (messageType, delegate) structurally. Delegates of an
// uncomparable dynamic type (func adapters) never compare equal, so they can
// be registered but not deduplicated or removed; register a pointer handler
// when removal matters.
func (h messageTypeHandler) equal(other messageTypeHandler) bool {
	if h.messageType != other.messageType {
		return false
	}
	ht, ot := reflect.TypeOf(h.delegate), reflect.TypeOf(other.delegate)
	if ht != ot {
		return false
	}
	if ht == nil || !ht.Comparable() {
		return false
	}
	return h.delegate == other.delegate
}

// EventDispatcher fans incoming STUN message events out to listeners. The
// tree is strictly two levels: a root with generic listeners plus one child
// dispatcher per local address. Listener iteration happens over a
// copy-on-write slice so dispatch never observes structural change.
type EventDispatcher struct {
	mu        sync.Mutex
	listeners atomic.Value // []messageTypeHandler
	children  map[string]*EventDispatcher
}

// NewEventDispatcher creates an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	d := &EventDispatcher{children: make(map[string]*EventDispatcher)}
	d.listeners.Store([]messageTypeHandler(nil))
	return d
}

// AddRequestListener registers listener for STUN requests received on any
// local address.
func (d *EventDispatcher) AddRequestListener(listener MessageEventHandler) {
	d.addMessageListener(messageTypeHandler{ClassRequest, listener})
}

// AddRequestListenerFor registers listener for STUN requests received on
// localAddr only.
func (d *EventDispatcher) AddRequestListenerFor(localAddr transport.Address, listener MessageEventHandler) {
	d.addMessageListenerFor(localAddr, messageTypeHandler{ClassRequest, listener})
}

// AddIndicationListener registers listener for STUN indications received on
// localAddr.
func (d *EventDispatcher) AddIndicationListener(localAddr transport.Address, listener MessageEventHandler) {
	d.addMessageListenerFor(localAddr, messageTypeHandler{ClassIndication, listener})
}

// AddOldIndicationListener registers listener for legacy DATA indications
// (masked type 0x0110) received on localAddr.
func (d *EventDispatcher) AddOldIndicationListener(localAddr transport.Address, listener MessageEventHandler) {
	d.addMessageListenerFor(localAddr, messageTypeHandler{ClassOldIndication, listener})
}

// RemoveRequestListener removes a generic request listener. It does not
// touch listeners registered for specific local addresses.
func (d *EventDispatcher) RemoveRequestListener(listener MessageEventHandler) {
	d.removeMessageListener(messageTypeHandler{ClassRequest, listener})
}

// RemoveRequestListenerFor removes a request listener registered for
// localAddr. A listener also registered generically stays registered.
func (d *EventDispatcher) RemoveRequestListenerFor(localAddr transport.Address, listener MessageEventHandler) {
	d.removeMessageListenerFor(localAddr, messageTypeHandler{ClassRequest, listener})
}

// RemoveIndicationListener removes an indication listener registered for
// localAddr.
func (d *EventDispatcher) RemoveIndicationListener(localAddr transport.Address, listener MessageEventHandler) {
	d.removeMessageListenerFor(localAddr, messageTypeHandler{ClassIndication, listener})
}

// RemoveOldIndicationListener removes a legacy indication listener
// registered for localAddr.
func (d *EventDispatcher) RemoveOldIndicationListener(localAddr transport.Address, listener MessageEventHandler) {
	d.removeMessageListenerFor(localAddr, messageTypeHandler{ClassOldIndication, listener})
}

func (d *EventDispatcher) addMessageListener(h messageTypeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.listeners.Load().([]messageTypeHandler)
	for _, existing := range current {
		if existing.equal(h) {
			return
		}
	}
	next := make([]messageTypeHandler, len(current), len(current)+1)
	copy(next, current)
	d.listeners.Store(append(next, h))
}

func (d *EventDispatcher) addMessageListenerFor(localAddr transport.Address, h messageTypeHandler) {
	d.mu.Lock()
	child, ok := d.children[localAddr.Key()]
	if !ok {
		child = NewEventDispatcher()
		d.children[localAddr.Key()] = child
	}
	d.mu.Unlock()
	child.addMessageListener(h)
}

func (d *EventDispatcher) removeMessageListener(h messageTypeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.listeners.Load().([]messageTypeHandler)
	for i, existing := range current {
		if existing.equal(h) {
			next := make([]messageTypeHandler, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			d.listeners.Store(next)
			return
		}
	}
}

func (d *EventDispatcher) removeMessageListenerFor(localAddr transport.Address, h messageTypeHandler) {
	d.mu.Lock()
	child := d.children[localAddr.Key()]
	d.mu.Unlock()
	if child != nil {
		child.removeMessageListener(h)
	}
}

// FireMessageEvent delivers e to every listener whose masked message type
// matches, in registration order, then recurses once into the child
// dispatcher for e's local address.
func (d *EventDispatcher) FireMessageEvent(e StunMessageEvent) {
	messageType := e.MessageType() & classMask
	for _, h := range d.listeners.Load().([]messageTypeHandler) {
		if h.messageType == messageType {
			h.delegate.HandleMessageEvent(e)
		}
	}
	d.mu.Lock()
	child := d.children[e.LocalAddress().Key()]
	d.mu.Unlock()
	if child != nil {
		child.FireMessageEvent(e)
	}
}

// HasRequestListeners reports whether an event on localAddr would reach any
// listener; generic listeners count as well.
func (d *EventDispatcher) HasRequestListeners(localAddr transport.Address) bool {
	if len(d.listeners.Load().([]messageTypeHandler)) > 0 {
		return true
	}
	d.mu.Lock()
	child := d.children[localAddr.Key()]
	d.mu.Unlock()
	if child != nil {
		return len(child.listeners.Load().([]messageTypeHandler)) > 0
	}
	return false
}

// RemoveAllListeners clears both levels of the tree atomically.
func (d *EventDispatcher) RemoveAllListeners() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners.Store([]messageTypeHandler(nil))
	d.children = make(map[string]*EventDispatcher)
}
