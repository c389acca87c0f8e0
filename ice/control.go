package ice

import (
	"net"
	"syscall"
)

// controlFn applies platform specific socket options prior to bind.
type controlFn func(cfg Config, network, address string, c syscall.RawConn) error

// controlFns is populated by the platform files.
var controlFns []controlFn

// listenConfig returns a net.ListenConfig applying the registered control
// functions, so options like SO_REUSEADDR are in place before bind.
func listenConfig(cfg Config) *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			for _, fn := range controlFns {
				if err := fn(cfg, network, address, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
