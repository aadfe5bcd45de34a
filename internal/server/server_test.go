package server

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchbook-io/matchbook"
	"github.com/matchbook-io/matchbook/internal/history"
	"github.com/matchbook-io/matchbook/internal/idgen"
	"github.com/matchbook-io/matchbook/internal/notify"
	"github.com/matchbook-io/matchbook/internal/users"
)

func startServer(t *testing.T, idleTimeout time.Duration) string {
	t.Helper()
	dir := t.TempDir()

	hist, err := history.Open(filepath.Join(dir, "history"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	userStore, err := users.Load(filepath.Join(dir, "users.json"))
	require.NoError(t, err)

	ids, err := idgen.Load(filepath.Join(dir, "order_id_counter"))
	require.NoError(t, err)

	registry := notify.NewRegistry()
	notifier, err := notify.NewUDPNotifier(registry)
	require.NoError(t, err)
	t.Cleanup(func() { notifier.Close() })

	book := matchbook.NewOrderBook(nil, hist, notifier)
	srv := New(book, userStore, hist, registry, notifier, ids, idleTimeout)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) roundTrip(operation string, values any, out any) {
	c.t.Helper()

	req, err := json.Marshal(map[string]any{"operation": operation, "values": values})
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(req, '\n'))
	require.NoError(c.t, err)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal(line, out))
}

func (c *client) closed() bool {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadByte()
	return err != nil
}

func register(t *testing.T, addr, user, password string) {
	t.Helper()
	c := dial(t, addr)
	var resp statusResponse
	c.roundTrip("register", map[string]any{"username": user, "password": password}, &resp)
	require.Equal(t, codeOK, resp.Response)
}

func login(t *testing.T, addr, user, password string) *client {
	t.Helper()
	c := dial(t, addr)
	var resp statusResponse
	c.roundTrip("login", map[string]any{"username": user, "password": password}, &resp)
	require.Equal(t, codeOK, resp.Response)
	return c
}

func TestRegisterAndLoginFlow(t *testing.T) {
	addr := startServer(t, time.Minute)

	// Register answers once, then the server drops the connection.
	c := dial(t, addr)
	var resp statusResponse
	c.roundTrip("register", map[string]any{"username": "alice", "password": "pw"}, &resp)
	assert.Equal(t, codeOK, resp.Response)
	assert.True(t, c.closed())

	c = dial(t, addr)
	c.roundTrip("register", map[string]any{"username": "alice", "password": "other"}, &resp)
	assert.Equal(t, codeUserConflict, resp.Response)

	// Wrong password refuses the login and closes the connection.
	c = dial(t, addr)
	c.roundTrip("login", map[string]any{"username": "alice", "password": "nope"}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.True(t, c.closed())

	session := login(t, addr, "alice", "pw")

	// A second login for the same user is refused while the first holds
	// the session.
	c = dial(t, addr)
	c.roundTrip("login", map[string]any{"username": "alice", "password": "pw"}, &resp)
	assert.Equal(t, codeUserConflict, resp.Response)

	session.roundTrip("logout", map[string]any{}, &resp)
	assert.Equal(t, codeOK, resp.Response)
	assert.True(t, session.closed())

	// Logout released the session, so logging in again works.
	login(t, addr, "alice", "pw")
}

func TestUpdateCredentials(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "old-pw")

	c := dial(t, addr)
	var resp statusResponse
	c.roundTrip("updateCredentials",
		map[string]any{"username": "alice", "old_password": "old-pw", "new_password": "new-pw"}, &resp)
	assert.Equal(t, codeOK, resp.Response)

	c = dial(t, addr)
	c.roundTrip("login", map[string]any{"username": "alice", "password": "old-pw"}, &resp)
	assert.Equal(t, codeError, resp.Response)

	login(t, addr, "alice", "new-pw")
}

func TestOperationsRequireLogin(t *testing.T) {
	addr := startServer(t, time.Minute)

	c := dial(t, addr)
	var resp statusResponse
	c.roundTrip("insertLimitOrder", map[string]any{"type": "bid", "size": 10, "limitPrice": 100000}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.True(t, c.closed())
}

func TestOrderLifecycle(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	session := login(t, addr, "alice", "pw")

	var insert orderIDResponse
	session.roundTrip("insertLimitOrder",
		map[string]any{"type": "bid", "size": 10, "limitPrice": 100000}, &insert)
	require.Greater(t, insert.OrderID, int64(0))

	var resp statusResponse
	session.roundTrip("cancelOrder", map[string]any{"orderId": insert.OrderID}, &resp)
	assert.Equal(t, codeOK, resp.Response)

	session.roundTrip("cancelOrder", map[string]any{"orderId": insert.OrderID}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.Contains(t, resp.ErrorMessage, "already")

	session.roundTrip("cancelOrder", map[string]any{"orderId": 99999}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.Contains(t, resp.ErrorMessage, "not exist")

	// Invalid parameters reject the order with the sentinel id.
	session.roundTrip("insertLimitOrder",
		map[string]any{"type": "bid", "size": -5, "limitPrice": 100000}, &insert)
	assert.Equal(t, int64(rejectedOrderID), insert.OrderID)
}

func TestSideIsCaseInsensitive(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	register(t, addr, "bob", "pw")
	alice := login(t, addr, "alice", "pw")
	bob := login(t, addr, "bob", "pw")

	var insert orderIDResponse
	alice.roundTrip("insertLimitOrder",
		map[string]any{"type": "ASK", "size": 5, "limitPrice": 100000}, &insert)
	require.Greater(t, insert.OrderID, int64(0))

	bob.roundTrip("insertMarketOrder", map[string]any{"type": "Bid", "size": 5}, &insert)
	assert.Greater(t, insert.OrderID, int64(0))
}

func TestMarketOrderAgainstEmptyBook(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	session := login(t, addr, "alice", "pw")

	var insert orderIDResponse
	session.roundTrip("insertMarketOrder", map[string]any{"type": "bid", "size": 5}, &insert)
	assert.Equal(t, int64(rejectedOrderID), insert.OrderID)
}

func TestMarketOrdersCannotBeCancelled(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	register(t, addr, "bob", "pw")
	alice := login(t, addr, "alice", "pw")
	bob := login(t, addr, "bob", "pw")

	var insert orderIDResponse
	alice.roundTrip("insertLimitOrder",
		map[string]any{"type": "ask", "size": 5, "limitPrice": 100000}, &insert)
	require.Greater(t, insert.OrderID, int64(0))

	var market orderIDResponse
	bob.roundTrip("insertMarketOrder", map[string]any{"type": "bid", "size": 5}, &market)
	require.Greater(t, market.OrderID, int64(0))

	// The market order lives only in history, never in the book.
	var resp statusResponse
	bob.roundTrip("cancelOrder", map[string]any{"orderId": market.OrderID}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.Contains(t, resp.ErrorMessage, "market order")
}

func TestCancelChecksOwnershipAndFinalization(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	register(t, addr, "bob", "pw")
	alice := login(t, addr, "alice", "pw")
	bob := login(t, addr, "bob", "pw")

	var askID orderIDResponse
	alice.roundTrip("insertLimitOrder",
		map[string]any{"type": "ask", "size": 10, "limitPrice": 100000}, &askID)

	var resp statusResponse
	bob.roundTrip("cancelOrder", map[string]any{"orderId": askID.OrderID}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.Contains(t, resp.ErrorMessage, "different user")

	// Bob lifts the whole offer; alice's order is finalized and can no
	// longer be cancelled.
	var bidID orderIDResponse
	bob.roundTrip("insertLimitOrder",
		map[string]any{"type": "bid", "size": 10, "limitPrice": 100000}, &bidID)
	require.Greater(t, bidID.OrderID, int64(0))

	alice.roundTrip("cancelOrder", map[string]any{"orderId": askID.OrderID}, &resp)
	assert.Equal(t, codeError, resp.Response)
	assert.Contains(t, resp.ErrorMessage, "finalized")
}

func TestStopOrderLifecycle(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	session := login(t, addr, "alice", "pw")

	var insert orderIDResponse
	session.roundTrip("insertStopOrder",
		map[string]any{"type": "ask", "size": 5, "stopPrice": 90000}, &insert)
	require.Greater(t, insert.OrderID, int64(0))

	var resp statusResponse
	session.roundTrip("cancelOrder", map[string]any{"orderId": insert.OrderID}, &resp)
	assert.Equal(t, codeOK, resp.Response)

	session.roundTrip("insertStopOrder",
		map[string]any{"type": "ask", "size": 0, "stopPrice": 90000}, &insert)
	assert.Equal(t, int64(rejectedOrderID), insert.OrderID)
}

func TestGetPriceHistory(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")
	register(t, addr, "bob", "pw")
	alice := login(t, addr, "alice", "pw")
	bob := login(t, addr, "bob", "pw")

	var insert orderIDResponse
	alice.roundTrip("insertLimitOrder",
		map[string]any{"type": "ask", "size": 5, "limitPrice": 100000}, &insert)
	bob.roundTrip("insertLimitOrder",
		map[string]any{"type": "bid", "size": 5, "limitPrice": 100000}, &insert)

	var resp priceHistoryResponse
	month := time.Now().Format("012006")
	alice.roundTrip("getPriceHistory", map[string]any{"month": month}, &resp)
	require.Equal(t, codeOK, resp.Response)
	require.Len(t, resp.Data, 1)
	for _, day := range resp.Data {
		assert.Equal(t, int64(100000), day.Open)
		assert.Equal(t, int64(100000), day.Close)
	}

	alice.roundTrip("getPriceHistory", map[string]any{"month": "011990"}, &resp)
	assert.Equal(t, codeError, resp.Response)

	alice.roundTrip("getPriceHistory", map[string]any{"month": "13-20"}, &resp)
	assert.Equal(t, codeError, resp.Response)
}

func TestIdleConnectionIsDropped(t *testing.T) {
	addr := startServer(t, 150*time.Millisecond)
	register(t, addr, "alice", "pw")
	session := login(t, addr, "alice", "pw")

	// Stay silent past the idle timeout; the server hangs up and releases
	// the session so a fresh login succeeds.
	assert.True(t, session.closed())

	require.Eventually(t, func() bool {
		c := dial(t, addr)
		var resp statusResponse
		c.roundTrip("login", map[string]any{"username": "alice", "password": "pw"}, &resp)
		return resp.Response == codeOK
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDisconnectReleasesSession(t *testing.T) {
	addr := startServer(t, time.Minute)
	register(t, addr, "alice", "pw")

	session := login(t, addr, "alice", "pw")
	session.conn.Close()

	require.Eventually(t, func() bool {
		c := dial(t, addr)
		var resp statusResponse
		c.roundTrip("login", map[string]any{"username": "alice", "password": "pw"}, &resp)
		return resp.Response == codeOK
	}, 2*time.Second, 50*time.Millisecond)
}
