package ice

import (
	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/demux"
	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

// decode classifies one inbound buffer on an I/O worker and routes it: STUN
// to the session's STUN stack, DTLS records and opaque frames to the owning
// wrapper's queue. Malformed input is logged and dropped; decode never
// fails.
func decode(sess *Session, buf []byte) {
	wrapper, _ := sess.Attribute(AttrConnection).(*socket.Wrapper)
	if wrapper == nil {
		log.Warnf("no ice socket in session %d, dropping %d bytes from %s", sess.ID(), len(buf), sess.Remote())
		return
	}
	remote, local := sess.Remote(), sess.Local()

	switch demux.Classify(buf) {
	case demux.ClassTooShort:
		log.Warnf("not enough data in the buffer to parse: %d bytes from %s", len(buf), remote)
	case demux.ClassSTUN:
		log.Tracef("dispatching a STUN message from %s", remote)
		stunStack, _ := sess.Attribute(AttrStunStack).(*stack.StunStack)
		if stunStack == nil {
			log.Warnf("no stun stack in session %d, dropping STUN message from %s", sess.ID(), remote)
			return
		}
		raw := transport.BuildRawMessage(buf, remote, local)
		msg := &stun.Message{Raw: raw.Bytes()}
		if err := msg.Decode(); err != nil {
			log.Warnf("failed to decode a stun message from %s: %v", remote, err)
			return
		}
		stunStack.HandleMessageEvent(stack.StunMessageEvent{Stack: stunStack, Message: msg, Raw: raw})
	case demux.ClassDTLS:
		for _, record := range demux.SplitDTLS(buf) {
			if log.IsLevelEnabled(log.TraceLevel) && record[0] == demux.ContentTypeHandshake && len(record) > demux.DTLSRecordHeaderLength {
				log.Tracef("queuing DTLS %s handshake message: %s", demux.DTLSVersion(record), demux.HandshakeTypeName(record[demux.DTLSRecordHeaderLength]))
			}
			wrapper.Enqueue(transport.BuildRawMessage(record, remote, local))
		}
	default:
		wrapper.Enqueue(transport.BuildRawMessage(buf, remote, local))
	}
}
