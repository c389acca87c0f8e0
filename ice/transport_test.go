package ice

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []stack.StunMessageEvent
}

func (h *recordingHandler) HandleMessageEvent(e stack.StunMessageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func testConfig() Config {
	return Config{IOThreads: 2, ReuseAddress: true, TCPNoDelay: true, Backlog: defaultBacklog, CloseOnDeactivation: true}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, c.Close())
	return port
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func dtlsRecord(payload []byte) []byte {
	buf := make([]byte, 13+len(payload))
	buf[0] = 22
	buf[1] = 254
	buf[2] = 253
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(payload)))
	copy(buf[13:], payload)
	return buf
}

func TestUDPTransport_StunDispatch(t *testing.T) {
	tr := NewUDPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeUDPPort(t), transport.UDP)
	st := stack.NewStunStack()
	listener := &recordingHandler{}
	st.Dispatcher().AddRequestListener(listener)

	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(st, w))

	client, err := net.DialUDP("udp4", nil, local.UDPAddr())
	require.NoError(t, err)
	defer client.Close()

	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID, stun.NewUsername("ufragA:ufragB"))
	require.NoError(t, err)
	_, err = client.Write(msg.Raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	listener.mu.Lock()
	evt := listener.events[0]
	listener.mu.Unlock()
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, evt.RemoteAddress().Port)
	assert.True(t, local.Equal(evt.LocalAddress()))

	// The first datagram synthesized a session and installed it on the
	// wrapper.
	require.Eventually(t, func() bool { return w.Session() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, w.Session().Remote().Port)
}

func TestUDPTransport_DTLSSplitAndOpaqueDelivery(t *testing.T) {
	tr := NewUDPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeUDPPort(t), transport.UDP)
	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(stack.NewStunStack(), w))

	client, err := net.DialUDP("udp4", nil, local.UDPAddr())
	require.NoError(t, err)
	defer client.Close()

	// One handshake record of payload length 3: a single 16 byte message.
	_, err = client.Write(dtlsRecord([]byte{0xAA, 0xBB, 0xCC}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Queue().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	m, ok := w.Read()
	require.True(t, ok)
	assert.Equal(t, 16, m.Len())

	// Two concatenated records arrive as two messages, in order.
	combined := append(dtlsRecord([]byte{1, 2, 3}), dtlsRecord([]byte{4, 5, 6, 7, 8})...)
	_, err = client.Write(combined)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Queue().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	first, ok := w.Read()
	require.True(t, ok)
	second, ok := w.Read()
	require.True(t, ok)
	assert.Equal(t, 16, first.Len())
	assert.Equal(t, 18, second.Len())

	// Anything else is delivered opaque, one frame per datagram.
	opaque := make([]byte, 64)
	opaque[0] = 0x80
	_, err = client.Write(opaque)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Queue().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	m, ok = w.Read()
	require.True(t, ok)
	assert.Equal(t, 64, m.Len())
}

func TestUDPTransport_SessionPromotion(t *testing.T) {
	tr := NewUDPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeUDPPort(t), transport.UDP)
	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(stack.NewStunStack(), w))

	payload := make([]byte, 32)
	payload[0] = 0x80

	first, err := net.DialUDP("udp4", nil, local.UDPAddr())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(payload)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Session() != nil }, 2*time.Second, 10*time.Millisecond)
	firstSession := w.Session()

	second, err := net.DialUDP("udp4", nil, local.UDPAddr())
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write(payload)
	require.NoError(t, err)

	// The new remote's session becomes active; the previous one is kept
	// stale for late writes.
	require.Eventually(t, func() bool {
		sess := w.Session()
		return sess != nil && sess.Remote().Port == second.LocalAddr().(*net.UDPAddr).Port
	}, 2*time.Second, 10*time.Millisecond)
	stale := w.StaleSessions()
	require.Len(t, stale, 1)
	assert.Equal(t, firstSession.ID(), stale[0].ID())
}

func TestUDPTransport_WrapperSendCreatesSession(t *testing.T) {
	tr := NewUDPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeUDPPort(t), transport.UDP)
	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(stack.NewStunStack(), w))

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	dest := transport.AddressFromNetAddr(peer.LocalAddr(), transport.UDP)

	require.NoError(t, w.Send([]byte("outbound"), dest))

	buf := make([]byte, 64)
	require.NoError(t, peer.(*net.UDPConn).SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "outbound", string(buf[:n]))
	assert.Equal(t, local.Port, from.(*net.UDPAddr).Port)
}

func TestUDPTransport_Bindings(t *testing.T) {
	tr := NewUDPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeUDPPort(t), transport.UDP)
	require.NoError(t, tr.AddBinding(local))
	assert.True(t, tr.IsBound(local.Port))

	// Binding the same address again is a no-op.
	require.NoError(t, tr.AddBinding(local))

	assert.True(t, tr.RemoveBinding(local))
	assert.False(t, tr.IsBound(local.Port))
	assert.False(t, tr.RemoveBinding(local))
}

func TestTCPTransport_FramedStunAndOpaque(t *testing.T) {
	tr := NewTCPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeTCPPort(t), transport.TCP)
	st := stack.NewStunStack()
	listener := &recordingHandler{}
	st.Dispatcher().AddRequestListener(listener)

	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(st, w))

	conn, err := net.Dial("tcp4", local.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID)
	require.NoError(t, err)
	require.NoError(t, writeFramed(conn, msg.Raw))
	require.Eventually(t, func() bool { return listener.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// An accepted connection is a session on the wrapper.
	require.NotNil(t, w.Session())
	assert.Equal(t, transport.TCP, w.Session().Remote().Transport)

	opaque := make([]byte, 48)
	opaque[0] = 0x80
	require.NoError(t, writeFramed(conn, opaque))
	require.Eventually(t, func() bool { return w.Queue().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	m, ok := w.Read()
	require.True(t, ok)
	assert.Equal(t, 48, m.Len())

	// A frame split across writes is reassembled.
	frame := make([]byte, 2+len(opaque))
	binary.BigEndian.PutUint16(frame, uint16(len(opaque)))
	copy(frame[2:], opaque)
	_, err = conn.Write(frame[:7])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(frame[7:])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Queue().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTCPTransport_SessionClosedOnDisconnect(t *testing.T) {
	tr := NewTCPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeTCPPort(t), transport.TCP)
	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(stack.NewStunStack(), w))

	conn, err := net.Dial("tcp4", local.TCPAddr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Session() != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return w.Session() == nil }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, w.IsClosed())
}

func TestTCPTransport_OutboundSession(t *testing.T) {
	tr := NewTCPTransport(testConfig(), NewHandler())
	defer tr.Stop()

	// A raw peer listener stands in for the remote agent.
	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	local := transport.NewAddress(net.ParseIP("127.0.0.1"), freeTCPPort(t), transport.TCP)
	w := socket.NewWrapper(local, tr)
	require.NoError(t, tr.AddBindingWithStack(stack.NewStunStack(), w))

	dest := transport.AddressFromNetAddr(peer.Addr(), transport.TCP)
	require.NoError(t, w.Send([]byte("framed-hello"), dest))

	accepted, err := peer.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	require.NoError(t, accepted.SetReadDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, 2)
	_, err = accepted.Read(header)
	require.NoError(t, err)
	assert.Equal(t, uint16(12), binary.BigEndian.Uint16(header))
	payload := make([]byte, 12)
	_, err = accepted.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, "framed-hello", string(payload))
}

func writeFramed(conn net.Conn, payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := conn.Write(frame)
	return err
}
