package transport

import "errors"

var (
	// ErrIllegalArgument indicates an out-of-range port or an unsupported
	// transport passed to the harvester.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrBindFailed indicates that the bind retry budget was exhausted
	// without a successful bind.
	ErrBindFailed = errors.New("bind failed")

	// ErrNoBoundCandidate indicates that a harvest bound zero sockets
	// across all allowed addresses.
	ErrNoBoundCandidate = errors.New("no bound candidate")

	// ErrClosed indicates an operation on a closed socket wrapper.
	ErrClosed = errors.New("socket closed")

	// ErrTimeout indicates the connect wait elapsed before a session
	// became available.
	ErrTimeout = errors.New("timeout")

	// ErrConfigError indicates invalid interface or address filter
	// configuration.
	ErrConfigError = errors.New("configuration error")
)
