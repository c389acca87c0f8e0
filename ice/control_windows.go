//go:build windows

package ice

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func init() {
	controlFns = append(controlFns, func(cfg Config, network, address string, c syscall.RawConn) error {
		if !cfg.ReuseAddress {
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	})
}
