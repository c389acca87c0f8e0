package ice

import (
	"os"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Configuration surface recognized when a transport singleton starts.
const (
	EnvIOThreads     = "IO_THREADS"
	EnvSendBuffer    = "SEND_BUFFER"
	EnvReceiveBuffer = "RECEIVE_BUFFER"
)

// defaultBacklog is the requested maximum length of the queue of incoming
// TCP connections.
const defaultBacklog = 64

func intEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Warnf("invalid value %s set for %s, using default %d", raw, key, fallback)
		return fallback
	}
	return v
}

// Config holds the acceptor options read once at startup.
type Config struct {
	// IOThreads sizes the worker pool running the decode callbacks.
	IOThreads int
	// SendBuffer and ReceiveBuffer size the kernel socket buffers when
	// positive.
	SendBuffer    int
	ReceiveBuffer int
	// ReuseAddress sets SO_REUSEADDR on bind.
	ReuseAddress bool
	// TCPNoDelay disables Nagle on accepted TCP connections.
	TCPNoDelay bool
	// Backlog is the TCP listen backlog. The Go runtime listens with the
	// kernel's somaxconn; the value is recorded for diagnostics.
	Backlog int
	// CloseOnDeactivation closes all sessions when the acceptor stops.
	CloseOnDeactivation bool
}

func configFromEnv() Config {
	return Config{
		IOThreads:           intEnv(EnvIOThreads, runtime.NumCPU()),
		SendBuffer:          intEnv(EnvSendBuffer, 0),
		ReceiveBuffer:       intEnv(EnvReceiveBuffer, 0),
		ReuseAddress:        true,
		TCPNoDelay:          true,
		Backlog:             defaultBacklog,
		CloseOnDeactivation: true,
	}
}
