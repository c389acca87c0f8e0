// Package harvest gathers host candidates: it walks the allowed interfaces
// and addresses, binds sockets within a port range with retry, and registers
// the resulting wrappers with the STUN stack and the transport acceptors.
package harvest

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/ice"
	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/stdnet"
	"github.com/icewireio/icewire/transport"
)

// EnvBindRetries caps the per-address bind attempts.
const EnvBindRetries = "BIND_RETRIES"

// defaultBindRetries matches the stack default when BIND_RETRIES is unset.
const defaultBindRetries = 50

func bindRetries() int {
	raw := os.Getenv(EnvBindRetries)
	if raw == "" {
		return defaultBindRetries
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Warnf("invalid value %s set for %s, using default %d", raw, EnvBindRetries, defaultBindRetries)
		return defaultBindRetries
	}
	return v
}

// HostCandidateHarvester gathers host candidates for a component. Most other
// harvester types rely on its output: all host addresses bound and present
// in the component.
type HostCandidateHarvester struct {
	stats HarvestStatistics
}

// NewHostCandidateHarvester creates a harvester.
func NewHostCandidateHarvester() *HostCandidateHarvester {
	return &HostCandidateHarvester{}
}

// Statistics describes how the harvests of this harvester went.
func (h *HostCandidateHarvester) Statistics() *HarvestStatistics {
	return &h.stats
}

// Harvest binds sockets across the allowed interfaces, trying preferredPort
// first and walking the [minPort, maxPort] range on conflicts. Every bound
// socket becomes a HostCandidate owned by the component. Fails with
// ErrIllegalArgument on bad ports, ErrNoBoundCandidate when nothing could be
// bound at all; statistics are recorded either way.
func (h *HostCandidateHarvester) Harvest(component *Component, preferredPort, minPort, maxPort int, tr transport.Type) error {
	h.stats.StartTiming()
	if err := checkPorts(preferredPort, minPort, maxPort); err != nil {
		h.stats.StopTiming(component.LocalCandidateCount())
		return err
	}
	if tr != transport.UDP && tr != transport.TCP {
		h.stats.StopTiming(component.LocalCandidateCount())
		return fmt.Errorf("%w: transport protocol not supported: %v", transport.ErrIllegalArgument, tr)
	}

	interfaces, err := stdnet.Interfaces()
	if err != nil {
		h.stats.StopTiming(component.LocalCandidateCount())
		return fmt.Errorf("failed to get network interfaces: %w", err)
	}
	ipv6Disabled := stdnet.IPv6Disabled()
	linkLocalDisabled := stdnet.LinkLocalDisabled()

	boundAtLeastOne := false
	var errs *multierror.Error
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 || !stdnet.IsInterfaceAllowed(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("failed to get addresses of %s: %v", iface.Name, err)
			continue
		}
		for _, ifaceAddr := range addrs {
			ip := addrIP(ifaceAddr)
			if ip == nil || !stdnet.IsAddressAllowed(ip) {
				continue
			}
			isV6 := stdnet.IsIPv6(ip)
			if isV6 && ipv6Disabled {
				continue
			}
			if isV6 && linkLocalDisabled && ip.IsLinkLocalUnicast() {
				continue
			}
			var sock *socket.Wrapper
			switch tr {
			case transport.UDP:
				sock, err = h.createDatagramSocket(component.StunStack(), ip, preferredPort, minPort, maxPort)
			case transport.TCP:
				// No IPv6 for TCP candidates.
				if isV6 {
					continue
				}
				sock, err = h.createServerSocket(component.StunStack(), ip, preferredPort, minPort, maxPort)
			}
			if err != nil {
				log.Warnf("socket creation failed on %s/%v, ports - preferred: %d min: %d max: %d", ip, tr, preferredPort, minPort, maxPort)
				errs = multierror.Append(errs, err)
				continue
			}
			boundAtLeastOne = true

			candidate := &HostCandidate{
				Socket:    sock,
				Component: component,
				Transport: tr,
				Virtual:   isVirtualInterface(iface.Name),
			}
			component.AddLocalCandidate(candidate)

			if tr == transport.TCP {
				// STUN registration waits for a client connection.
				continue
			}
			// Host candidates carry STUN connectivity checks and, when
			// enabled, the reflexive harvest as well.
			sock.AddFilter(socket.StunDataFilter{})
			component.StunStack().AddSocket(sock)
			component.SetSocket(sock)
		}
	}

	h.stats.StopTiming(component.LocalCandidateCount())
	if !boundAtLeastOne {
		return fmt.Errorf("%w: component %d, preferredPort=%d minPort=%d maxPort=%d: %v",
			transport.ErrNoBoundCandidate, component.ID, preferredPort, minPort, maxPort, errs.ErrorOrNil())
	}
	return nil
}

// bindingAcceptor is the slice of a transport acceptor the port walk needs.
// Both ice.UDPTransport and ice.TCPTransport satisfy it.
type bindingAcceptor interface {
	socket.Acceptor
	AddBindingWithStack(st *stack.StunStack, w *socket.Wrapper) error
	RemoveBinding(addr transport.Address) bool
	Handler() *ice.Handler
}

// createDatagramSocket walks the port range starting at preferredPort,
// wrapping from maxPort to minPort, for at most BIND_RETRIES attempts.
func (h *HostCandidateHarvester) createDatagramSocket(st *stack.StunStack, ip net.IP, preferredPort, minPort, maxPort int) (*socket.Wrapper, error) {
	return createSocket(ice.UDP(), st, ip, preferredPort, minPort, maxPort, transport.UDP)
}

// createServerSocket is the TCP variant of createDatagramSocket.
func (h *HostCandidateHarvester) createServerSocket(st *stack.StunStack, ip net.IP, preferredPort, minPort, maxPort int) (*socket.Wrapper, error) {
	return createSocket(ice.TCP(), st, ip, preferredPort, minPort, maxPort, transport.TCP)
}

// createSocket performs the retrying bind. The (stack, wrapper) pair is
// stashed with the handler before the bind so a session opening immediately
// after the bind finds its attachment.
func createSocket(acceptor bindingAcceptor, st *stack.StunStack, ip net.IP, preferredPort, minPort, maxPort int, tr transport.Type) (*socket.Wrapper, error) {
	retries := bindRetries()
	port := preferredPort
	for i := 0; i < retries; i++ {
		local := transport.NewAddress(ip, port, tr)
		w := socket.NewWrapper(local, acceptor)
		if err := acceptor.AddBindingWithStack(st, w); err != nil {
			acceptor.Handler().Detach(local.Key())
			log.Warnf("retrying a bind because of a failure to bind to %s: %v", local, err)
		} else {
			w.SetOnClose(func() { acceptor.RemoveBinding(local) })
			return w, nil
		}
		port++
		if port > maxPort {
			port = minPort
		}
	}
	return nil, fmt.Errorf("%w: could not bind %s to any port between %d and %d", transport.ErrBindFailed, ip, minPort, maxPort)
}

// checkPorts validates the harvest port range.
func checkPorts(preferredPort, minPort, maxPort int) error {
	if minPort < 1024 || minPort > 65535 || maxPort < 1024 || maxPort > 65535 {
		return fmt.Errorf("%w: minPort (%d) and maxPort (%d) should be integers between 1024 and 65535", transport.ErrIllegalArgument, minPort, maxPort)
	}
	if minPort > maxPort {
		return fmt.Errorf("%w: minPort (%d) should be less than or equal to maxPort (%d)", transport.ErrIllegalArgument, minPort, maxPort)
	}
	if preferredPort < minPort || preferredPort > maxPort {
		return fmt.Errorf("%w: preferredPort (%d) must be between minPort (%d) and maxPort (%d)", transport.ErrIllegalArgument, preferredPort, minPort, maxPort)
	}
	return nil
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPNet:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}

// isVirtualInterface reports whether the name denotes a virtual
// subinterface (eth0:1 style aliases).
func isVirtualInterface(name string) bool {
	return strings.Contains(name, ":")
}
