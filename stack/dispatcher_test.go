package stack

import (
	"net"
	"testing"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icewireio/icewire/transport"
)

type recordingHandler struct {
	name   string
	events []StunMessageEvent
}

func (h *recordingHandler) HandleMessageEvent(e StunMessageEvent) {
	h.events = append(h.events, e)
}

func addr(port int) transport.Address {
	return transport.NewAddress(net.ParseIP("192.0.2.1"), port, transport.UDP)
}

// event builds a StunMessageEvent carrying a message with the given raw
// message type, arriving on local.
func event(t *testing.T, rawType uint16, local transport.Address) StunMessageEvent {
	t.Helper()
	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID)
	require.NoError(t, err)
	msg.Type.ReadValue(rawType)
	raw := transport.BuildRawMessage(msg.Raw, addr(9999), local)
	return StunMessageEvent{Message: msg, Raw: raw}
}

func TestDispatcher_RequestListenerFires(t *testing.T) {
	d := NewEventDispatcher()
	h := &recordingHandler{name: "generic"}
	d.AddRequestListener(h)

	d.FireMessageEvent(event(t, 0x0001, addr(3478)))
	assert.Len(t, h.events, 1)

	// Indications do not reach request listeners.
	d.FireMessageEvent(event(t, 0x0011, addr(3478)))
	assert.Len(t, h.events, 1)
}

func TestDispatcher_DuplicateRegistrationFiresOnce(t *testing.T) {
	d := NewEventDispatcher()
	h := &recordingHandler{}
	local := addr(3478)
	d.AddRequestListenerFor(local, h)
	d.AddRequestListenerFor(local, h)

	d.FireMessageEvent(event(t, 0x0001, local))
	assert.Len(t, h.events, 1)

	// One remove undoes the registration completely.
	d.RemoveRequestListenerFor(local, h)
	d.FireMessageEvent(event(t, 0x0001, local))
	assert.Len(t, h.events, 1)
}

func TestDispatcher_Scoping(t *testing.T) {
	d := NewEventDispatcher()
	h := &recordingHandler{}
	d.AddRequestListenerFor(addr(3478), h)

	d.FireMessageEvent(event(t, 0x0001, addr(5000)))
	assert.Empty(t, h.events)

	d.FireMessageEvent(event(t, 0x0001, addr(3478)))
	assert.Len(t, h.events, 1)
}

func TestDispatcher_RegistrationOrder(t *testing.T) {
	d := NewEventDispatcher()
	var order []string
	first := MessageEventHandlerFunc(func(StunMessageEvent) { order = append(order, "first") })
	second := MessageEventHandlerFunc(func(StunMessageEvent) { order = append(order, "second") })
	d.AddRequestListener(first)
	d.AddRequestListener(second)

	d.FireMessageEvent(event(t, 0x0001, addr(3478)))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatcher_GenericAndScopedBothFire(t *testing.T) {
	d := NewEventDispatcher()
	generic := &recordingHandler{name: "generic"}
	scoped := &recordingHandler{name: "scoped"}
	local := addr(3478)
	d.AddRequestListener(generic)
	d.AddRequestListenerFor(local, scoped)

	d.FireMessageEvent(event(t, 0x0001, local))
	assert.Len(t, generic.events, 1)
	assert.Len(t, scoped.events, 1)
}

func TestDispatcher_IndicationClasses(t *testing.T) {
	d := NewEventDispatcher()
	local := addr(3478)
	indication := &recordingHandler{name: "indication"}
	oldIndication := &recordingHandler{name: "old"}
	d.AddIndicationListener(local, indication)
	d.AddOldIndicationListener(local, oldIndication)

	// Binding indication (0x0011) masks to 0x0010.
	d.FireMessageEvent(event(t, 0x0011, local))
	assert.Len(t, indication.events, 1)
	assert.Empty(t, oldIndication.events)

	// Legacy DATA indication (0x0115) masks to the literal 0x0110.
	d.FireMessageEvent(event(t, 0x0115, local))
	assert.Len(t, indication.events, 1)
	assert.Len(t, oldIndication.events, 1)
}

func TestDispatcher_RemoveAllListeners(t *testing.T) {
	d := NewEventDispatcher()
	generic := &recordingHandler{}
	scoped := &recordingHandler{}
	local := addr(3478)
	d.AddRequestListener(generic)
	d.AddRequestListenerFor(local, scoped)
	require.True(t, d.HasRequestListeners(local))

	d.RemoveAllListeners()
	assert.False(t, d.HasRequestListeners(local))
	d.FireMessageEvent(event(t, 0x0001, local))
	assert.Empty(t, generic.events)
	assert.Empty(t, scoped.events)
}

func TestDispatcher_HasRequestListeners(t *testing.T) {
	d := NewEventDispatcher()
	local := addr(3478)
	other := addr(5000)
	assert.False(t, d.HasRequestListeners(local))

	scoped := &recordingHandler{}
	d.AddRequestListenerFor(local, scoped)
	assert.True(t, d.HasRequestListeners(local))
	assert.False(t, d.HasRequestListeners(other))

	generic := &recordingHandler{}
	d.AddRequestListener(generic)
	assert.True(t, d.HasRequestListeners(other))
}

func TestStunStack_DispatchesThroughDispatcher(t *testing.T) {
	s := NewStunStack()
	h := &recordingHandler{}
	s.Dispatcher().AddRequestListener(h)

	evt := event(t, 0x0001, addr(3478))
	evt.Stack = s
	s.HandleMessageEvent(evt)
	require.Len(t, h.events, 1)
	assert.Equal(t, addr(3478).Key(), h.events[0].LocalAddress().Key())
}
