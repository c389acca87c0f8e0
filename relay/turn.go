// Package relay provides the TURN-backed fallback path a socket wrapper
// delegates to when a direct route is unavailable.
package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turn/v3"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/transport"
)

// allocationRetries bounds the retries after a failed first attempt to bring
// an allocation up.
const allocationRetries = 3

// Client holds a TURN allocation and implements socket.RelayedConnection:
// sends addressed to a peer travel through the relayed address.
type Client struct {
	stunURI *stun.URI
	turnURI *stun.URI

	mu                  sync.Mutex
	conn                net.PacketConn
	turnClient          *turn.Client
	relayConn           net.PacketConn
	srvReflexiveAddress net.Addr
	closed              bool
}

var _ socket.RelayedConnection = (*Client)(nil)

// NewClient creates an unopened relay client for the given STUN and TURN
// server URIs.
func NewClient(stunURI, turnURI *stun.URI) *Client {
	return &Client{stunURI: stunURI, turnURI: turnURI}
}

// Open allocates a relayed address, retrying transient failures with
// exponential backoff, and discovers the server-reflexive address.
func (c *Client) Open() error {
	operation := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return backoff.Permanent(transport.ErrClosed)
		}
		return c.open()
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), allocationRetries))
}

func (c *Client) open() error {
	log.Debugf("opening relayed connection via %s", toURL(c.turnURI))
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return err
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: toURL(c.stunURI),
		TURNServerAddr: toURL(c.turnURI),
		Conn:           conn,
		Username:       c.turnURI.Username,
		Password:       c.turnURI.Password,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create turn client: %w", err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to allocate relay connection: %w", err)
	}

	srvReflexiveAddress, err := client.SendBindingRequest()
	if err != nil {
		_ = relayConn.Close()
		client.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to discover server reflexive address: %w", err)
	}

	c.conn = conn
	c.turnClient = client
	c.relayConn = relayConn
	c.srvReflexiveAddress = srvReflexiveAddress
	log.Infof("relayed connection open, relayed: %s reflexive: %s", relayConn.LocalAddr(), srvReflexiveAddress)
	return nil
}

// Send writes buf to dest through the relayed address.
func (c *Client) Send(buf []byte, dest transport.Address) error {
	c.mu.Lock()
	relayConn := c.relayConn
	c.mu.Unlock()
	if relayConn == nil {
		return fmt.Errorf("relayed connection is not open")
	}
	_, err := relayConn.WriteTo(buf, dest.UDPAddr())
	return err
}

// RelayedAddress returns the allocated relay address, or nil before Open.
func (c *Client) RelayedAddress() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayConn == nil {
		return nil
	}
	return c.relayConn.LocalAddr()
}

// SrvReflexiveAddress returns the discovered server-reflexive address, or
// nil before Open.
func (c *Client) SrvReflexiveAddress() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srvReflexiveAddress
}

// Close releases the allocation and the underlying socket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.relayConn != nil {
		if err := c.relayConn.Close(); err != nil {
			log.Debugf("closing relay conn: %v", err)
		}
	}
	if c.turnClient != nil {
		c.turnClient.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func toURL(uri *stun.URI) string {
	if uri == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", uri.Host, uri.Port)
}
