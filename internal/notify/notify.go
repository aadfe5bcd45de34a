// Package notify pushes closed-trade notifications to users over UDP.
// Delivery is fire-and-forget: a user without a registered address, or a
// failed send, never blocks or fails the matching path.
package notify

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/matchbook-io/matchbook"
)

// Notification is the datagram payload sent to a user after their orders
// traded.
type Notification struct {
	Notification string             `json:"notification"`
	Trades       []*matchbook.Trade `json:"trades"`
}

const closedTrades = "closedTrades"

// Registry maps users to the UDP address they registered at login.
type Registry struct {
	mu    sync.RWMutex
	addrs map[string]*net.UDPAddr
}

func NewRegistry() *Registry {
	return &Registry{addrs: make(map[string]*net.UDPAddr)}
}

func (r *Registry) Register(user string, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[user] = addr
}

func (r *Registry) Unregister(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs, user)
}

func (r *Registry) Address(user string) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[user]
	return addr, ok
}

// UDPNotifier sends one datagram per owner in a trade group.
type UDPNotifier struct {
	registry *Registry
	conn     *net.UDPConn
}

func NewUDPNotifier(registry *Registry) (*UDPNotifier, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &UDPNotifier{registry: registry, conn: conn}, nil
}

func (n *UDPNotifier) Close() error {
	return n.conn.Close()
}

// NotifyTrades implements matchbook.Notifier.
func (n *UDPNotifier) NotifyTrades(trades matchbook.TradesByOwner) {
	if len(trades) == 0 {
		return
	}

	for user, userTrades := range trades {
		addr, ok := n.registry.Address(user)
		if !ok {
			continue
		}

		data, err := json.Marshal(&Notification{
			Notification: closedTrades,
			Trades:       userTrades,
		})
		if err != nil {
			slog.Error("failed to encode trade notification", "error", err, "user", user)
			continue
		}

		if _, err := n.conn.WriteToUDP(data, addr); err != nil {
			slog.Error("failed to send trade notification", "error", err, "user", user)
		}
	}
}
