package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Type is the transport protocol of an Address.
type Type int

const (
	// UDP datagram transport.
	UDP Type = iota
	// TCP stream transport, framed per RFC 4571.
	TCP
)

func (t Type) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Address is a local or remote endpoint: an IP, a port and the transport
// the endpoint speaks. Equality is structural.
type Address struct {
	IP        net.IP
	Port      int
	Transport Type
}

// NewAddress builds an Address from its parts.
func NewAddress(ip net.IP, port int, transport Type) Address {
	return Address{IP: ip, Port: port, Transport: transport}
}

// AddressFromNetAddr converts a net.Addr produced by the stdlib into an
// Address. Unknown net.Addr implementations resolve to the zero Address.
func AddressFromNetAddr(addr net.Addr, transport Type) Address {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return Address{IP: a.IP, Port: a.Port, Transport: transport}
	case *net.TCPAddr:
		return Address{IP: a.IP, Port: a.Port, Transport: transport}
	default:
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return Address{}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Address{}
		}
		return Address{IP: net.ParseIP(host), Port: port, Transport: transport}
	}
}

// Equal reports structural equality.
func (a Address) Equal(other Address) bool {
	return a.Port == other.Port && a.Transport == other.Transport && a.IP.Equal(other.IP)
}

// Key returns the canonical map key for this address. net.IP is a slice, so
// the struct itself cannot be used as a map key directly.
func (a Address) Key() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port)) + "/" + a.Transport.String()
}

// UDPAddr converts to a *net.UDPAddr.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// TCPAddr converts to a *net.TCPAddr.
func (a Address) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d/%s", a.IP, a.Port, a.Transport)
}
