package stdnet

import (
	"fmt"
	"net"
	"sync"

	pionnet "github.com/pion/transport/v3"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/transport"
)

// The interface and address filters are process-wide and computed lazily on
// first access. Both layers are independent: the interface filter decides
// which NICs are considered at all, the address filter gates individual
// addresses on the surviving NICs.

var (
	filterMu sync.Mutex

	ifaceFiltersInitialized bool
	// allowedInterfaces is either a non-empty list or nil.
	allowedInterfaces []string
	// blockedInterfaces is consulted only when allowedInterfaces is nil.
	blockedInterfaces []string

	addrFiltersInitialized bool
	allowedAddresses       []net.IP
	blockedAddresses       []net.IP

	// listInterfaces is swapped out by tests.
	listInterfaces = systemInterfaces
)

// Interface is a network interface together with its addresses.
type Interface = pionnet.Interface

func systemInterfaces() ([]*Interface, error) {
	oifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ifs := make([]*Interface, 0, len(oifs))
	for _, oif := range oifs {
		ifc := pionnet.NewInterface(oif)
		addrs, err := oif.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			ifc.AddAddress(addr)
		}
		ifs = append(ifs, ifc)
	}
	return ifs, nil
}

// Interfaces enumerates the host interfaces with their addresses.
func Interfaces() ([]*Interface, error) {
	filterMu.Lock()
	lister := listInterfaces
	filterMu.Unlock()
	return lister()
}

// SetInterfaceProvider replaces the interface source so tests can inject a
// deterministic topology. Reset restores the system provider.
func SetInterfaceProvider(provider func() ([]*Interface, error)) {
	filterMu.Lock()
	defer filterMu.Unlock()
	listInterfaces = provider
}

// InitializeInterfaceFilters reads ALLOWED_INTERFACES and BLOCKED_INTERFACES
// and validates them against the interfaces present on the host. It runs at
// most once; later calls return immediately.
//
// Go reports the friendly display name on Windows and the kernel name
// elsewhere, which is exactly the name users are expected to configure.
func InitializeInterfaceFilters() error {
	filterMu.Lock()
	defer filterMu.Unlock()
	return initializeInterfaceFiltersLocked()
}

func initializeInterfaceFiltersLocked() error {
	if ifaceFiltersInitialized {
		return nil
	}
	ifaceFiltersInitialized = true

	ifs, err := listInterfaces()
	if err != nil {
		return fmt.Errorf("%w: could not list network interfaces: %v", transport.ErrConfigError, err)
	}
	known := make(map[string]struct{}, len(ifs))
	for _, ifc := range ifs {
		known[ifc.Name] = struct{}{}
	}

	if allowed := listEnv(EnvAllowedInterfaces); allowed != nil {
		for _, name := range allowed {
			if _, ok := known[name]; !ok {
				return fmt.Errorf("%w: there is no network interface with the name %s", transport.ErrConfigError, name)
			}
		}
		allowedInterfaces = allowed
		return nil
	}

	// The blocked list is taken into account only when no allowed list is
	// defined.
	if blocked := listEnv(EnvBlockedInterfaces); blocked != nil {
		for _, name := range blocked {
			if _, ok := known[name]; !ok {
				return fmt.Errorf("%w: there is no network interface with the name %s", transport.ErrConfigError, name)
			}
		}
		if len(blocked) >= len(ifs) {
			return fmt.Errorf("%w: all network interfaces are blocked", transport.ErrConfigError)
		}
		blockedInterfaces = blocked
	}
	return nil
}

func initializeAddressFiltersLocked() {
	if addrFiltersInitialized {
		return
	}
	addrFiltersInitialized = true

	for _, s := range listEnv(EnvAllowedAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			log.Warnf("failed to parse allowed address %s, skipping", s)
			continue
		}
		allowedAddresses = append(allowedAddresses, ip)
	}
	for _, s := range listEnv(EnvBlockedAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			log.Warnf("failed to parse blocked address %s, skipping", s)
			continue
		}
		blockedAddresses = append(blockedAddresses, ip)
	}
}

// IsInterfaceAllowed reports whether a host candidate may be allocated on
// the named interface. When ALLOWED_INTERFACES is set, membership decides;
// otherwise non-membership in BLOCKED_INTERFACES decides; otherwise allow.
func IsInterfaceAllowed(name string) bool {
	filterMu.Lock()
	defer filterMu.Unlock()
	if err := initializeInterfaceFiltersLocked(); err != nil {
		log.Warnf("interface filter initialization failed: %v", err)
	}
	if allowedInterfaces != nil {
		for _, allowed := range allowedInterfaces {
			if allowed == name {
				return true
			}
		}
		return false
	}
	for _, blocked := range blockedInterfaces {
		if blocked == name {
			return false
		}
	}
	return true
}

// IsAddressAllowed reports whether an address may be used for candidate
// allocation. Loopback is never allowed; beyond that the address must be in
// ALLOWED_ADDRESSES (when set) and must not be in BLOCKED_ADDRESSES.
func IsAddressAllowed(ip net.IP) bool {
	if ip.IsLoopback() {
		return false
	}
	filterMu.Lock()
	defer filterMu.Unlock()
	initializeAddressFiltersLocked()

	ret := true
	if allowedAddresses != nil {
		ret = containsIP(allowedAddresses, ip)
	}
	if blockedAddresses != nil {
		ret = ret && !containsIP(blockedAddresses, ip)
	}
	return ret
}

func containsIP(list []net.IP, ip net.IP) bool {
	for _, candidate := range list {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}

// IPv6Disabled reports whether DISABLE_IPV6 suppresses IPv6 wholesale.
func IPv6Disabled() bool {
	return boolEnv(EnvDisableIPv6)
}

// LinkLocalDisabled reports whether DISABLE_LINK_LOCAL_ADDRESSES suppresses
// IPv6 link-local addresses.
func LinkLocalDisabled() bool {
	return boolEnv(EnvDisableLinkLocal)
}

// IsIPv6 reports whether ip is an IPv6 address.
func IsIPv6(ip net.IP) bool {
	return ip.To4() == nil && ip.To16() != nil
}

// Reset clears the process-wide filter state so tests can reinitialize it
// under different environment values.
func Reset() {
	filterMu.Lock()
	defer filterMu.Unlock()
	ifaceFiltersInitialized = false
	allowedInterfaces = nil
	blockedInterfaces = nil
	addrFiltersInitialized = false
	allowedAddresses = nil
	blockedAddresses = nil
	listInterfaces = systemInterfaces
}
