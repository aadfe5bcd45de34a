package notify

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenerRegistersDatagramSource(t *testing.T) {
	registry := NewRegistry()
	listener, err := NewListener("127.0.0.1:0", registry)
	require.NoError(t, err)
	defer listener.Close()
	go listener.Serve()

	conn, err := net.DialUDP("udp", nil, listener.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("alice\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		addr, ok := registry.Address("alice")
		return ok && addr.Port == conn.LocalAddr().(*net.UDPAddr).Port
	}, 2*time.Second, 10*time.Millisecond)

	// Blank payloads never register anyone.
	_, err = conn.Write([]byte("  \n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, ok := registry.Address("")
	require.False(t, ok)
}
