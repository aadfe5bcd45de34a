package notify

import (
	"errors"
	"log/slog"
	"net"
	"strings"
)

// Listener accepts UDP registration datagrams. After logging in over TCP a
// client sends a datagram holding just its username; the datagram's source
// address becomes the target for that user's trade notifications.
type Listener struct {
	conn     *net.UDPConn
	registry *Registry
}

func NewListener(addr string, registry *Registry) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, registry: registry}, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads registration datagrams until Close is called.
func (l *Listener) Serve() {
	buf := make([]byte, 512)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("failed to read registration datagram", "error", err)
			continue
		}

		user := strings.TrimSpace(string(buf[:n]))
		if user == "" {
			continue
		}

		l.registry.Register(user, addr)
		slog.Info("registered notification address", "user", user, "addr", addr.String())
	}
}

func (l *Listener) Close() error {
	return l.conn.Close()
}
