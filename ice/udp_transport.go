package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

// receiveMTU bounds a single inbound datagram.
const receiveMTU = 8192

// UDPTransport is the process-wide UDP acceptor. A single shared datagram
// socket per bound address carries every peer; sessions are synthesized per
// observed remote so the upper layers see connection-like semantics.
type UDPTransport struct {
	cfg     Config
	handler *Handler
	pool    *workerPool

	mu       sync.Mutex
	bindings map[string]*udpBinding
	sessions map[string]*Session
	stopped  bool
}

type udpBinding struct {
	local transport.Address
	conn  *net.UDPConn
}

var (
	udpMu       sync.Mutex
	udpInstance *UDPTransport
)

// UDP returns the process-wide UDP transport, creating it on first use with
// the configuration read from the environment.
func UDP() *UDPTransport {
	udpMu.Lock()
	defer udpMu.Unlock()
	if udpInstance == nil {
		udpInstance = NewUDPTransport(configFromEnv(), NewHandler())
		log.Infof("started UDP socket transport, io-threads: %d", udpInstance.cfg.IOThreads)
	}
	return udpInstance
}

// ResetUDP stops and discards the singleton so tests can start clean.
func ResetUDP() {
	udpMu.Lock()
	defer udpMu.Unlock()
	if udpInstance != nil {
		udpInstance.Stop()
		udpInstance = nil
	}
}

// NewUDPTransport creates a transport with an explicit configuration and
// handler. Production code goes through UDP().
func NewUDPTransport(cfg Config, handler *Handler) *UDPTransport {
	return &UDPTransport{
		cfg:      cfg,
		handler:  handler,
		pool:     newWorkerPool(cfg.IOThreads),
		bindings: make(map[string]*udpBinding),
		sessions: make(map[string]*Session),
	}
}

// Handler returns the lifecycle handler.
func (t *UDPTransport) Handler() *Handler { return t.handler }

// AddBinding binds addr and starts its read loop. Binding an already-bound
// address is a no-op.
func (t *UDPTransport) AddBinding(addr transport.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("transport stopped")
	}
	if _, ok := t.bindings[addr.Key()]; ok {
		return nil
	}
	pc, err := listenConfig(t.cfg).ListenPacket(context.Background(), "udp", addr.UDPAddr().String())
	if err != nil {
		return fmt.Errorf("add binding failed on %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)
	if t.cfg.SendBuffer > 0 {
		if err := conn.SetWriteBuffer(t.cfg.SendBuffer); err != nil {
			log.Warnf("failed to set send buffer on %s: %v", addr, err)
		}
	}
	if t.cfg.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(t.cfg.ReceiveBuffer); err != nil {
			log.Warnf("failed to set receive buffer on %s: %v", addr, err)
		}
	}
	b := &udpBinding{local: addr, conn: conn}
	t.bindings[addr.Key()] = b
	go t.readLoop(b)
	log.Debugf("UDP binding added: %s", addr)
	return nil
}

// AddBindingWithStack stashes the (stack, wrapper) pair with the handler and
// binds the wrapper's local address. The pair is attached as session
// attributes when the first session on that address opens.
func (t *UDPTransport) AddBindingWithStack(st *stack.StunStack, w *socket.Wrapper) error {
	t.handler.AddStackAndSocket(st, w)
	return t.AddBinding(w.Local())
}

// RemoveBinding unbinds addr, closes its sessions and drops the pending
// attachment. Atomic with respect to AddBinding and IsBound.
func (t *UDPTransport) RemoveBinding(addr transport.Address) bool {
	t.mu.Lock()
	b, ok := t.bindings[addr.Key()]
	if ok {
		delete(t.bindings, addr.Key())
	}
	var closing []*Session
	for key, sess := range t.sessions {
		if sess.Local().Equal(addr) {
			delete(t.sessions, key)
			closing = append(closing, sess)
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if err := b.conn.Close(); err != nil {
		log.Warnf("remove binding failed on %s: %v", addr, err)
	}
	t.handler.Detach(addr.Key())
	for _, sess := range closing {
		_ = sess.Close()
	}
	log.Debugf("UDP binding removed: %s", addr)
	return true
}

// IsBound reports whether any binding uses the given port.
func (t *UDPTransport) IsBound(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.bindings {
		if b.local.Port == port {
			return true
		}
	}
	return false
}

// NewSession synthesizes (or returns) the session for remote on the bound
// local address. The lifecycle handler observes the open before the session
// is returned.
func (t *UDPTransport) NewSession(remote, local transport.Address) (socket.Session, error) {
	t.mu.Lock()
	b, ok := t.bindings[local.Key()]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("local address %s is not bound", local)
	}
	return t.obtainSession(remote, b), nil
}

// obtainSession returns the session for remote on b, synthesizing and
// announcing it when this is the first traffic for that remote.
func (t *UDPTransport) obtainSession(remote transport.Address, b *udpBinding) *Session {
	key := remote.Key() + "|" + b.local.Key()
	t.mu.Lock()
	if sess, ok := t.sessions[key]; ok {
		t.mu.Unlock()
		return sess
	}
	conn := b.conn
	var sess *Session
	sess = newSession(remote, b.local,
		func(buf []byte, dest transport.Address) (int, error) {
			return conn.WriteToUDP(buf, dest.UDPAddr())
		},
		func() error {
			t.dropSession(key)
			t.handler.SessionClosed(sess)
			return nil
		})
	t.sessions[key] = sess
	t.mu.Unlock()
	t.handler.SessionOpened(sess)
	return sess
}

func (t *UDPTransport) dropSession(key string) {
	t.mu.Lock()
	delete(t.sessions, key)
	t.mu.Unlock()
}

func (t *UDPTransport) readLoop(b *udpBinding) {
	buf := make([]byte, receiveMTU)
	for {
		n, raddr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("read failed on %s: %v", b.local, err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		remote := transport.Address{IP: raddr.IP, Port: raddr.Port, Transport: transport.UDP}
		sess := t.obtainSession(remote, b)
		if !t.pool.submit(sess.ID(), func() { decode(sess, data) }) {
			return
		}
	}
}

// Stop unbinds everything, optionally closes the sessions, releases pending
// attachments and stops the worker pool.
func (t *UDPTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	bindings := t.bindings
	sessions := t.sessions
	t.bindings = make(map[string]*udpBinding)
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, b := range bindings {
		_ = b.conn.Close()
	}
	if t.cfg.CloseOnDeactivation {
		for _, sess := range sessions {
			_ = sess.Close()
		}
	}
	t.handler.Reset()
	t.pool.stop()
	log.Infof("stopped UDP socket transport")
}
