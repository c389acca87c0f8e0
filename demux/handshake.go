package demux

// DTLS handshake message types, used only for trace logging of handshake
// records.
const (
	handshakeHelloRequest       = 0
	handshakeClientHello        = 1
	handshakeServerHello        = 2
	handshakeHelloVerifyRequest = 3
	handshakeSessionTicket      = 4
	handshakeCertificate        = 11
	handshakeServerKeyExchange  = 12
	handshakeCertificateRequest = 13
	handshakeServerHelloDone    = 14
	handshakeCertificateVerify  = 15
	handshakeClientKeyExchange  = 16
	handshakeFinished           = 20
)

var handshakeNames = map[byte]string{
	handshakeHelloRequest:       "Hello request",
	handshakeClientHello:        "Client hello",
	handshakeServerHello:        "Server hello",
	handshakeHelloVerifyRequest: "Hello verify request",
	handshakeSessionTicket:      "Session ticket",
	handshakeCertificate:        "Certificate",
	handshakeServerKeyExchange:  "Server key exchange",
	handshakeCertificateRequest: "Certificate request",
	handshakeServerHelloDone:    "Server hello done",
	handshakeCertificateVerify:  "Certificate verify",
	handshakeClientKeyExchange:  "Client key exchange",
	handshakeFinished:           "Finished",
}

// HandshakeTypeName names the handshake message type carried by a DTLS
// handshake record, or "" when unknown.
func HandshakeTypeName(t byte) string {
	return handshakeNames[t]
}
