package harvest

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

// HostCandidate is a bound local transport address offered as an ICE
// candidate. It owns its socket wrapper for the lifetime of the component.
type HostCandidate struct {
	Socket    *socket.Wrapper
	Component *Component
	Transport transport.Type
	// Virtual marks candidates harvested from virtual (sub)interfaces.
	Virtual bool
}

// Component is a media-stream component owning the host candidates
// harvested for it.
type Component struct {
	ID        int
	stunStack *stack.StunStack

	mu         sync.Mutex
	candidates []*HostCandidate
	// componentSocket is the default socket of the component, the last UDP
	// candidate added.
	componentSocket *socket.Wrapper
}

// NewComponent creates a component backed by the given STUN stack.
func NewComponent(id int, stunStack *stack.StunStack) *Component {
	return &Component{ID: id, stunStack: stunStack}
}

// StunStack returns the stack STUN traffic for this component is processed
// by.
func (c *Component) StunStack() *stack.StunStack { return c.stunStack }

// AddLocalCandidate takes ownership of a harvested candidate.
func (c *Component) AddLocalCandidate(candidate *HostCandidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
}

// LocalCandidates returns a snapshot of the candidates.
func (c *Component) LocalCandidates() []*HostCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*HostCandidate(nil), c.candidates...)
}

// LocalCandidateCount returns the number of harvested candidates.
func (c *Component) LocalCandidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

// SetSocket installs the component's default socket.
func (c *Component) SetSocket(w *socket.Wrapper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.componentSocket = w
}

// Socket returns the component's default socket or nil.
func (c *Component) Socket() *socket.Wrapper {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.componentSocket
}

// Close destroys the component's candidates, closing and unregistering
// their sockets.
func (c *Component) Close() {
	c.mu.Lock()
	candidates := c.candidates
	c.candidates = nil
	c.componentSocket = nil
	c.mu.Unlock()
	for _, candidate := range candidates {
		c.stunStack.RemoveSocket(candidate.Socket)
		if err := candidate.Socket.Close(); err != nil {
			log.Debugf("closing candidate socket on %s: %v", candidate.Socket.Local(), err)
		}
	}
}
