package ice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

// maxFrameLength is the largest RFC 4571 frame a length prefix can describe.
const maxFrameLength = 0xFFFF

// TCPTransport is the process-wide TCP acceptor. Every accepted or dialed
// connection is a session; frames are RFC 4571 length-prefixed and
// reassembled across reads before classification.
type TCPTransport struct {
	cfg     Config
	handler *Handler
	pool    *workerPool

	mu       sync.Mutex
	bindings map[string]*tcpBinding
	sessions map[string]*Session
	stopped  bool
}

type tcpBinding struct {
	local    transport.Address
	listener *net.TCPListener
}

var (
	tcpMu       sync.Mutex
	tcpInstance *TCPTransport
)

// TCP returns the process-wide TCP transport, creating it on first use with
// the configuration read from the environment.
func TCP() *TCPTransport {
	tcpMu.Lock()
	defer tcpMu.Unlock()
	if tcpInstance == nil {
		tcpInstance = NewTCPTransport(configFromEnv(), NewHandler())
		log.Infof("started TCP socket transport, io-threads: %d backlog: %d", tcpInstance.cfg.IOThreads, tcpInstance.cfg.Backlog)
	}
	return tcpInstance
}

// ResetTCP stops and discards the singleton so tests can start clean.
func ResetTCP() {
	tcpMu.Lock()
	defer tcpMu.Unlock()
	if tcpInstance != nil {
		tcpInstance.Stop()
		tcpInstance = nil
	}
}

// NewTCPTransport creates a transport with an explicit configuration and
// handler. Production code goes through TCP().
func NewTCPTransport(cfg Config, handler *Handler) *TCPTransport {
	return &TCPTransport{
		cfg:      cfg,
		handler:  handler,
		pool:     newWorkerPool(cfg.IOThreads),
		bindings: make(map[string]*tcpBinding),
		sessions: make(map[string]*Session),
	}
}

// Handler returns the lifecycle handler.
func (t *TCPTransport) Handler() *Handler { return t.handler }

// AddBinding starts listening on addr and accepting sessions. Binding an
// already-bound address is a no-op.
func (t *TCPTransport) AddBinding(addr transport.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("transport stopped")
	}
	if _, ok := t.bindings[addr.Key()]; ok {
		return nil
	}
	ln, err := listenConfig(t.cfg).Listen(context.Background(), "tcp", addr.TCPAddr().String())
	if err != nil {
		return fmt.Errorf("add binding failed on %s: %w", addr, err)
	}
	b := &tcpBinding{local: addr, listener: ln.(*net.TCPListener)}
	t.bindings[addr.Key()] = b
	go t.acceptLoop(b)
	log.Debugf("TCP binding added: %s", addr)
	return nil
}

// AddBindingWithStack stashes the (stack, wrapper) pair with the handler and
// binds the wrapper's local address.
func (t *TCPTransport) AddBindingWithStack(st *stack.StunStack, w *socket.Wrapper) error {
	t.handler.AddStackAndSocket(st, w)
	return t.AddBinding(w.Local())
}

// RemoveBinding stops listening on addr, closes its sessions and drops the
// pending attachment.
func (t *TCPTransport) RemoveBinding(addr transport.Address) bool {
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
	if err := b.listener.Close(); err != nil {
		log.Warnf("remove binding failed on %s: %v", addr, err)
	}
	t.handler.Detach(addr.Key())
	for _, sess := range closing {
		_ = sess.Close()
	}
	log.Debugf("TCP binding removed: %s", addr)
	return true
}

// IsBound reports whether any binding uses the given port.
func (t *TCPTransport) IsBound(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.bindings {
		if b.local.Port == port {
			return true
		}
	}
	return false
}

func (t *TCPTransport) acceptLoop(b *tcpBinding) {
	for {
		conn, err := b.listener.AcceptTCP()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("accept failed on %s: %v", b.local, err)
			}
			return
		}
		t.startSession(conn, b.local)
	}
}

// NewSession dials remote from the bound local address and returns the
// session once the lifecycle handler has observed the open.
func (t *TCPTransport) NewSession(remote, local transport.Address) (socket.Session, error) {
	dialer := net.Dialer{
		LocalAddr: local.TCPAddr(),
		Control:   listenConfig(t.cfg).Control,
	}
	conn, err := dialer.Dial("tcp", remote.TCPAddr().String())
	if err != nil {
		return nil, fmt.Errorf("dial from %s to %s failed: %w", local, remote, err)
	}
	return t.startSession(conn.(*net.TCPConn), local), nil
}

// startSession configures conn, announces the session and spawns its read
// loop.
func (t *TCPTransport) startSession(conn *net.TCPConn, local transport.Address) *Session {
	if err := conn.SetNoDelay(t.cfg.TCPNoDelay); err != nil {
		log.Warnf("failed to set no-delay: %v", err)
	}
	if t.cfg.SendBuffer > 0 {
		_ = conn.SetWriteBuffer(t.cfg.SendBuffer)
	}
	if t.cfg.ReceiveBuffer > 0 {
		_ = conn.SetReadBuffer(t.cfg.ReceiveBuffer)
	}
	remote := transport.AddressFromNetAddr(conn.RemoteAddr(), transport.TCP)
	key := remote.Key() + "|" + local.Key()
	var writeMu sync.Mutex
	sess := newSession(remote, local,
		func(buf []byte, dest transport.Address) (int, error) {
			if len(buf) > maxFrameLength {
				return 0, fmt.Errorf("frame of %d bytes exceeds RFC 4571 limit", len(buf))
			}
			frame := make([]byte, 2+len(buf))
			binary.BigEndian.PutUint16(frame, uint16(len(buf)))
			copy(frame[2:], buf)
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := conn.Write(frame); err != nil {
				return 0, err
			}
			return len(buf), nil
		},
		func() error {
			t.dropSession(key)
			return conn.Close()
		})
	t.mu.Lock()
	t.sessions[key] = sess
	t.mu.Unlock()
	t.handler.SessionOpened(sess)
	go t.readLoop(sess, conn)
	return sess
}

func (t *TCPTransport) dropSession(key string) {
	t.mu.Lock()
	delete(t.sessions, key)
	t.mu.Unlock()
}

// readLoop reassembles RFC 4571 frames across reads and hands each complete
// frame to the decode pool. The session-closed callback fires exactly once,
// when the loop exits.
func (t *TCPTransport) readLoop(sess *Session, conn *net.TCPConn) {
	defer func() {
		_ = sess.Close()
		t.handler.SessionClosed(sess)
	}()
	var header [2]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			t.readFailed(sess, err)
			return
		}
		frame := make([]byte, binary.BigEndian.Uint16(header[:]))
		if _, err := io.ReadFull(conn, frame); err != nil {
			t.readFailed(sess, err)
			return
		}
		if !t.pool.submit(sess.ID(), func() { decode(sess, frame) }) {
			return
		}
	}
}

func (t *TCPTransport) readFailed(sess *Session, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	t.handler.ExceptionCaught(sess, err)
}

// Stop unbinds everything, optionally closes the sessions, releases pending
// attachments and stops the worker pool.
func (t *TCPTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	bindings := t.bindings
	sessions := t.sessions
	t.bindings = make(map[string]*tcpBinding)
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, b := range bindings {
		_ = b.listener.Close()
	}
	if t.cfg.CloseOnDeactivation {
		for _, sess := range sessions {
			_ = sess.Close()
		}
	}
	t.handler.Reset()
	t.pool.stop()
	log.Infof("stopped TCP socket transport")
}
