package socket

import "github.com/icewireio/icewire/demux"

// DataFilter gates insertion into a wrapper's raw message queue. A message
// is enqueued only if every registered filter accepts it.
type DataFilter interface {
	Accept(buf []byte) bool
}

// StunDataFilter admits only STUN-looking bytes. Attached to UDP host
// candidate sockets so the STUN stack can use them while harvesting
// reflexive candidates.
type StunDataFilter struct{}

// Accept implements DataFilter.
func (StunDataFilter) Accept(buf []byte) bool {
	return demux.IsSTUN(buf)
}
