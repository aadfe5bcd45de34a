package notify

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchbook-io/matchbook"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Address("alice")
	assert.False(t, ok)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4141}
	r.Register("alice", addr)

	got, ok := r.Address("alice")
	require.True(t, ok)
	assert.Equal(t, addr, got)

	r.Unregister("alice")
	_, ok = r.Address("alice")
	assert.False(t, ok)
}

func TestNotifyTradesDeliversDatagram(t *testing.T) {
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = receiver.Close() }()

	registry := NewRegistry()
	registry.Register("alice", receiver.LocalAddr().(*net.UDPAddr))

	notifier, err := NewUDPNotifier(registry)
	require.NoError(t, err)
	defer func() { _ = notifier.Close() }()

	notifier.NotifyTrades(matchbook.TradesByOwner{
		"alice": {
			{OrderID: 1, Side: matchbook.Bid, OrderType: matchbook.Limit, Size: 5, Price: 100000, Timestamp: 1700000000},
		},
		// No address registered for bob; silently skipped.
		"bob": {
			{OrderID: 2, Side: matchbook.Ask, OrderType: matchbook.Limit, Size: 5, Price: 100000, Timestamp: 1700000000},
		},
	})

	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64*1024)
	n, _, err := receiver.ReadFromUDP(buf)
	require.NoError(t, err)

	var msg Notification
	require.NoError(t, json.Unmarshal(buf[:n], &msg))
	assert.Equal(t, "closedTrades", msg.Notification)
	require.Len(t, msg.Trades, 1)
	assert.Equal(t, int64(1), msg.Trades[0].OrderID)
}

func TestNotifyTradesEmptyGroupIsNoop(t *testing.T) {
	notifier, err := NewUDPNotifier(NewRegistry())
	require.NoError(t, err)
	defer func() { _ = notifier.Close() }()

	notifier.NotifyTrades(nil)
	notifier.NotifyTrades(matchbook.TradesByOwner{})
}
