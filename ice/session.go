// Package ice owns the OS-facing side of the transport layer: one
// process-wide acceptor per transport protocol, the sessions carried on
// them, the I/O worker pool and the decode fan-out into the STUN stack and
// the socket wrappers.
package ice

import (
	"sync"
	"sync/atomic"

	"github.com/icewireio/icewire/transport"
)

// Session attribute names attached by the handler when a session opens.
const (
	// AttrStunStack holds the *stack.StunStack processing STUN traffic for
	// the session's local address.
	AttrStunStack = "STUN_STACK"
	// AttrConnection holds the *socket.Wrapper owning the session's local
	// address.
	AttrConnection = "CONNECTION"
)

var sessionIDs atomic.Uint64

// Session is one logical connection. For TCP it wraps an accepted
// connection; for UDP the acceptor synthesizes one per observed remote, so
// the rest of the system treats both transports uniformly.
type Session struct {
	id     uint64
	remote transport.Address
	local  transport.Address

	attrs sync.Map

	writeFn func(buf []byte, dest transport.Address) (int, error)
	closeFn func() error
	closed  atomic.Bool
}

func newSession(remote, local transport.Address,
	writeFn func([]byte, transport.Address) (int, error),
	closeFn func() error) *Session {
	return &Session{
		id:      sessionIDs.Add(1),
		remote:  remote,
		local:   local,
		writeFn: writeFn,
		closeFn: closeFn,
	}
}

// ID returns the process-unique session id.
func (s *Session) ID() uint64 { return s.id }

// Remote returns the peer address.
func (s *Session) Remote() transport.Address { return s.remote }

// Local returns the bound address.
func (s *Session) Local() transport.Address { return s.local }

// Write sends buf toward dest through this session.
func (s *Session) Write(buf []byte, dest transport.Address) (int, error) {
	if s.closed.Load() {
		return 0, transport.ErrClosed
	}
	return s.writeFn(buf, dest)
}

// SetAttribute attaches a named value to the session.
func (s *Session) SetAttribute(name string, value interface{}) {
	s.attrs.Store(name, value)
}

// Attribute returns the named value or nil.
func (s *Session) Attribute(name string) interface{} {
	v, _ := s.attrs.Load(name)
	return v
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
