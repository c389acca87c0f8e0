package harvest

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/pion/turn/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icewireio/icewire/socket"
	"github.com/icewireio/icewire/stack"
	"github.com/icewireio/icewire/transport"
)

// startTURNServer runs a TURN server on the loopback and returns the STUN
// and TURN URIs pointing at it.
func startTURNServer(t *testing.T) (stunURI, turnURI *stun.URI) {
	t.Helper()
	udpListener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: "icewire.io",
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			return turn.GenerateAuthKey(username, realm, "secret"), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP("127.0.0.1"),
					Address:      "127.0.0.1",
				},
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	port := udpListener.LocalAddr().(*net.UDPAddr).Port
	stunURI, err = stun.ParseURI(fmt.Sprintf("stun:127.0.0.1:%d", port))
	require.NoError(t, err)
	turnURI, err = stun.ParseURI(fmt.Sprintf("turn:127.0.0.1:%d?transport=udp", port))
	require.NoError(t, err)
	turnURI.Username = "user"
	turnURI.Password = "secret"
	return stunURI, turnURI
}

func TestComponent_AttachRelay(t *testing.T) {
	stunURI, turnURI := startTURNServer(t)

	component := NewComponent(1, stack.NewStunStack())
	local := transport.NewAddress(net.ParseIP("127.0.0.1"), 49700, transport.UDP)
	sock := socket.NewWrapper(local, nil)
	component.SetSocket(sock)
	component.AddLocalCandidate(&HostCandidate{Socket: sock, Component: component, Transport: transport.UDP})
	defer component.Close()

	require.NoError(t, component.AttachRelay(stunURI, turnURI))

	// Media sent through the component socket now travels over the relay;
	// no session is needed on the direct path.
	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	payload := make([]byte, 32)
	payload[0] = 0x80
	dest := transport.AddressFromNetAddr(peer.LocalAddr(), transport.UDP)
	require.NoError(t, sock.Send(payload, dest))

	buf := make([]byte, 64)
	require.NoError(t, peer.(*net.UDPConn).SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	assert.Nil(t, sock.Session())
}

func TestComponent_AttachRelayWithoutSocket(t *testing.T) {
	stunURI, turnURI := startTURNServer(t)
	component := NewComponent(1, stack.NewStunStack())
	assert.Error(t, component.AttachRelay(stunURI, turnURI))
}
