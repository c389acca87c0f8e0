//go:build !windows

package ice

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	controlFns = append(controlFns, func(cfg Config, network, address string, c syscall.RawConn) error {
		if !cfg.ReuseAddress {
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			// Originating a TCP session from a bound listening port needs
			// port-level reuse as well. UDP sockets must not share a port:
			// a second bind would split inbound traffic between agents.
			if sockErr == nil && strings.HasPrefix(network, "tcp") {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	})
}
