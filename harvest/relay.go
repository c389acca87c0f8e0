package harvest

import (
	"fmt"

	"github.com/pion/stun/v2"
	log "github.com/sirupsen/logrus"

	"github.com/icewireio/icewire/relay"
)

// AttachRelay opens a TURN allocation and installs it as the relayed path of
// the component's default socket. Once attached, sends through the socket
// travel over the relay unless they are TURN control traffic. Called after a
// successful harvest when the agent is configured with a TURN server.
func (c *Component) AttachRelay(stunURI, turnURI *stun.URI) error {
	sock := c.Socket()
	if sock == nil {
		return fmt.Errorf("component %d has no socket to attach a relay to", c.ID)
	}
	client := relay.NewClient(stunURI, turnURI)
	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to open relayed connection for component %d: %w", c.ID, err)
	}
	sock.SetRelayed(client)
	log.Infof("component %d relaying via %s", c.ID, client.RelayedAddress())
	return nil
}
