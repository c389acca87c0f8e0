// Package demux classifies raw bytes arriving on an ICE endpoint as STUN,
// DTLS or opaque application data. It never fails on malformed input:
// anything unrecognized is opaque, anything no longer than a DTLS record
// header is too short to classify.
package demux

import (
	"encoding/binary"
	"strings"

	"github.com/pion/stun/v3"
	log "github.com/sirupsen/logrus"
)

// Class is the classification of an inbound buffer.
type Class int

const (
	// ClassTooShort marks buffers shorter than the smallest parsable frame.
	ClassTooShort Class = iota
	// ClassSTUN marks a structurally valid STUN message with an accepted method.
	ClassSTUN
	// ClassDTLS marks one or more DTLS records.
	ClassDTLS
	// ClassOpaque marks anything else; it is queued for the application as-is.
	ClassOpaque
)

func (c Class) String() string {
	switch c {
	case ClassSTUN:
		return "stun"
	case ClassDTLS:
		return "dtls"
	case ClassOpaque:
		return "opaque"
	default:
		return "too-short"
	}
}

// DTLSRecordHeaderLength is the fixed DTLS record header size:
// contentType(1) version(2) epoch(2) seqNo(6) length(2).
const DTLSRecordHeaderLength = 13

// stunHeaderLength is the fixed STUN header size per RFC 5389.
const stunHeaderLength = 20

// MagicCookie is the fixed value in bytes [4..8) of every RFC 5389 STUN
// header.
const MagicCookie uint32 = 0x2112A442

// STUN methods accepted by the classifier. Everything else is opaque.
const (
	methodLegacyRequest = 0x0000
	methodBinding       = 0x0001
	methodSharedSecret  = 0x0002
)

// stunClassMask covers the two class bits interleaved into the STUN message
// type field (RFC 5389 figure 3).
const stunClassMask = 0x0110

// DTLS content types per RFC 6347 / RFC 2246 6.2.1.
const (
	ContentTypeChangeCipherSpec = 20
	ContentTypeAlert            = 21
	ContentTypeHandshake        = 22
	ContentTypeApplicationData  = 23
	ContentTypeHeartbeat        = 24
)

// Classify decides what buf carries. The decision is structural only; no
// allocation, no mutation of buf.
func Classify(buf []byte) Class {
	if len(buf) <= DTLSRecordHeaderLength {
		return ClassTooShort
	}
	if IsSTUN(buf) {
		return ClassSTUN
	}
	if IsDTLS(buf) {
		return ClassDTLS
	}
	return ClassOpaque
}

// IsSTUN reports whether buf looks like a STUN message the stack should
// process. Both RFC 5389 (magic cookie) and RFC 3489 (zero top bits plus an
// exact header length match) framings are accepted, but only for the
// Binding, legacy request and SharedSecret methods.
func IsSTUN(buf []byte) bool {
	if len(buf) < stunHeaderLength {
		return false
	}
	structural := false
	if binary.BigEndian.Uint32(buf[4:8]) == MagicCookie {
		structural = true
	} else if buf[0]&0xC0 == 0 {
		// RFC 3489 has no cookie; the length field must account for the
		// whole buffer instead.
		structural = len(buf) == stunHeaderLength+int(binary.BigEndian.Uint16(buf[2:4]))
	}
	if !structural {
		return false
	}
	switch method(buf) {
	case methodBinding, methodLegacyRequest, methodSharedSecret:
		return true
	}
	return false
}

// method extracts the STUN method by clearing the class bits from the
// message type field.
func method(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[0:2]) &^ stunClassMask
}

// IsTURNMethod reports whether buf is a TURN control message (methods
// Allocate through ChannelBind). Wrappers with a relayed path still send
// these directly rather than through the relay.
func IsTURNMethod(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	m := method(buf)
	return m >= 0x0003 && m <= 0x0009
}

// IsDTLS reports whether buf starts with a DTLS content type. The valid
// range (19, 64) is disjoint from both STUN (top bits zero force b0 < 64 but
// methods cap it at 2) and common media (RTP/RTCP start at 128).
func IsDTLS(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	fb := int(buf[0])
	return fb > 19 && fb < 64
}

// SplitDTLS splits a buffer holding one or more back-to-back DTLS records
// into individual records, preserving on-wire order. A truncated trailing
// record is dropped with a warning; whatever parsed before it is returned.
func SplitDTLS(buf []byte) [][]byte {
	var records [][]byte
	offset := 0
	for offset+DTLSRecordHeaderLength <= len(buf) {
		recordLength := DTLSRecordHeaderLength + int(binary.BigEndian.Uint16(buf[offset+11:offset+13]))
		if offset+recordLength > len(buf) {
			log.Warnf("truncated DTLS record at offset %d: need %d bytes, have %d", offset, recordLength, len(buf)-offset)
			break
		}
		records = append(records, buf[offset:offset+recordLength])
		offset += recordLength
	}
	return records
}

// DTLSVersion probes the record version of buf and returns "1.0", "1.2" or
// "" when the version is unknown or the buffer is not a DTLS record.
func DTLSVersion(buf []byte) string {
	if len(buf) < DTLSRecordHeaderLength {
		return ""
	}
	switch buf[0] {
	case ContentTypeChangeCipherSpec, ContentTypeAlert, ContentTypeHandshake, ContentTypeApplicationData, ContentTypeHeartbeat:
	default:
		log.Tracef("unhandled DTLS content type: %d", buf[0])
		return ""
	}
	major, minor := buf[1], buf[2]
	if major == 254 && minor == 255 {
		return "1.0"
	}
	if major == 254 && minor == 253 {
		return "1.2"
	}
	log.Debugf("unknown DTLS version: %d.%d", major, minor)
	return ""
}

// GetUfrag decodes buf just far enough to reach the USERNAME attribute of a
// Binding request and returns the local username fragment, the part before
// the first colon (RFC 5245 7.1.2.3). Returns "" on any failure; malformed
// input never panics.
func GetUfrag(buf []byte) string {
	if len(buf) < stunHeaderLength {
		return ""
	}
	// Only cookie-bearing (RFC 5389) messages carry an ICE USERNAME.
	if binary.BigEndian.Uint32(buf[4:8]) != MagicCookie {
		log.Debugf("not a STUN packet, magic cookie not found")
		return ""
	}
	msg := &stun.Message{Raw: append([]byte{}, buf...)}
	if err := msg.Decode(); err != nil {
		log.Debugf("failed to extract local ufrag: %v", err)
		return ""
	}
	if msg.Type != stun.BindingRequest {
		return ""
	}
	attr, err := msg.Get(stun.AttrUsername)
	if err != nil {
		log.Debugf("no USERNAME attribute in binding request: %v", err)
		return ""
	}
	return strings.SplitN(string(attr), ":", 2)[0]
}
