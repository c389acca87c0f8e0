package socket

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icewireio/icewire/transport"
)

func testAddr(port int) transport.Address {
	return transport.NewAddress(net.ParseIP("192.0.2.1"), port, transport.UDP)
}

func TestRawMessageQueue_Ordering(t *testing.T) {
	q := NewRawMessageQueue(16)
	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf("message-%02d", i))
		require.True(t, q.Offer(transport.BuildRawMessage(payload, testAddr(1000+i), testAddr(2000))))
	}
	for i := 0; i < 10; i++ {
		m, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("message-%02d", i), string(m.Bytes()))
		assert.Equal(t, 1000+i, m.Remote().Port)
	}
	_, ok := q.Poll()
	assert.False(t, ok)
}

func TestRawMessageQueue_OverflowDropsNewest(t *testing.T) {
	q := NewRawMessageQueue(2)
	require.True(t, q.Offer(transport.BuildRawMessage([]byte("a"), testAddr(1), testAddr(2))))
	require.True(t, q.Offer(transport.BuildRawMessage([]byte("b"), testAddr(1), testAddr(2))))
	assert.False(t, q.Offer(transport.BuildRawMessage([]byte("c"), testAddr(1), testAddr(2))))
	assert.Equal(t, uint64(1), q.Dropped())

	m, ok := q.Poll()
	require.True(t, ok)
	assert.Equal(t, "a", string(m.Bytes()))
	m, ok = q.Poll()
	require.True(t, ok)
	assert.Equal(t, "b", string(m.Bytes()))
}

func TestRawMessageQueue_ClosedStaysDrainable(t *testing.T) {
	q := NewRawMessageQueue(4)
	require.True(t, q.Offer(transport.BuildRawMessage([]byte("kept"), testAddr(1), testAddr(2))))
	q.Close()
	assert.False(t, q.Offer(transport.BuildRawMessage([]byte("rejected"), testAddr(1), testAddr(2))))

	m, ok := q.Poll()
	require.True(t, ok)
	assert.Equal(t, "kept", string(m.Bytes()))
	_, ok = q.Poll()
	assert.False(t, ok)
}
