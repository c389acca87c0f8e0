package transport

// RawMessage is a single inbound frame together with the addresses it
// traveled between. Instances are immutable after construction; BuildRawMessage copies
// the payload so the caller may reuse its buffer.
type RawMessage struct {
	bytes  []byte
	remote Address
	local  Address
}

// BuildRawMessage copies buf and wraps it with its remote and local addresses.
func BuildRawMessage(buf []byte, remote, local Address) RawMessage {
	b := make([]byte, len(buf))
	copy(b, buf)
	return RawMessage{bytes: b, remote: remote, local: local}
}

// Bytes returns the payload. Callers must not modify it.
func (m RawMessage) Bytes() []byte { return m.bytes }

// Len returns the payload length.
func (m RawMessage) Len() int { return len(m.bytes) }

// Remote returns the sender address.
func (m RawMessage) Remote() Address { return m.remote }

// Local returns the address the frame arrived on.
func (m RawMessage) Local() Address { return m.local }
