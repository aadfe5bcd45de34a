// Package server exposes the venue over newline-delimited JSON on TCP.
// Each connection carries at most one session: clients register, update
// credentials or log in first, and only a logged-in connection may place
// orders, cancel them or query price history.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/matchbook-io/matchbook"
	"github.com/matchbook-io/matchbook/internal/history"
	"github.com/matchbook-io/matchbook/internal/idgen"
	"github.com/matchbook-io/matchbook/internal/notify"
	"github.com/matchbook-io/matchbook/internal/users"
)

const maxLineSize = 64 * 1024

// Server is the TCP front end. It owns no matching state of its own; every
// operation delegates to the book, the user store or the history store.
type Server struct {
	idleTimeout time.Duration

	book     *matchbook.OrderBook
	users    *users.Store
	history  *history.Store
	registry *notify.Registry
	notifier matchbook.Notifier
	ids      *idgen.Generator

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(book *matchbook.OrderBook, userStore *users.Store, hist *history.Store,
	registry *notify.Registry, notifier matchbook.Notifier, ids *idgen.Generator,
	idleTimeout time.Duration) *Server {
	return &Server{
		idleTimeout: idleTimeout,
		book:        book,
		users:       userStore,
		history:     hist,
		registry:    registry,
		notifier:    notifier,
		ids:         ids,
	}
}

// ListenAndServe binds addr and serves until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, handling each in its own goroutine. It
// returns once the listener closes.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("accepting connections", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	log := slog.With("conn", xid.New().String(), "remote", conn.RemoteAddr().String())
	log.Info("connection opened")

	var currentUser string
	defer func() {
		conn.Close()
		// A dropped connection is an implicit logout.
		if currentUser != "" {
			s.registry.Unregister(currentUser)
			if err := s.users.Logout(currentUser); err == nil {
				log.Info("session closed", "user", currentUser)
			}
		}
		log.Info("connection closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	writer := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					log.Info("disconnecting idle client", "user", currentUser)
				} else {
					log.Warn("connection error", "error", err)
				}
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.respond(writer, log, fail(codeError, "Malformed request"))
			return
		}

		op := strings.ToLower(req.Operation)
		if currentUser == "" {
			switch op {
			case "register":
				s.respond(writer, log, s.register(req.Values))
				return
			case "updatecredentials":
				s.respond(writer, log, s.updateCredentials(req.Values))
				return
			case "login":
				resp, username := s.login(req.Values)
				s.respond(writer, log, resp)
				if resp.Response != codeOK {
					return
				}
				currentUser = username
				log.Info("session opened", "user", currentUser)
			default:
				s.respond(writer, log, fail(codeError, "Operation requires login"))
				return
			}
			continue
		}

		var resp any
		switch op {
		case "logout":
			resp = s.logout(currentUser)
			s.respond(writer, log, resp)
			if resp.(statusResponse).Response == codeOK {
				s.registry.Unregister(currentUser)
				log.Info("session closed", "user", currentUser)
				currentUser = ""
				return
			}
			continue
		case "insertlimitorder":
			resp = s.insertLimitOrder(currentUser, req.Values)
		case "insertmarketorder":
			resp = s.insertMarketOrder(currentUser, req.Values)
		case "insertstoporder":
			resp = s.insertStopOrder(currentUser, req.Values)
		case "cancelorder":
			resp = s.cancelOrder(currentUser, req.Values)
		case "getpricehistory":
			resp = s.getPriceHistory(req.Values)
		default:
			resp = fail(codeError, "Unsupported operation")
		}
		s.respond(writer, log, resp)
	}
}

func (s *Server) respond(w *bufio.Writer, log *slog.Logger, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to encode response", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Warn("failed to send response", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Warn("failed to send response", "error", err)
	}
}

func (s *Server) register(raw json.RawMessage) statusResponse {
	var v credentialValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return fail(codeError, "Malformed request")
	}

	switch err := s.users.Register(v.Username, v.Password); {
	case err == nil:
		return ok()
	case errors.Is(err, users.ErrUserExists):
		return fail(codeUserConflict, "Username not available")
	default:
		return fail(codeError, "Invalid username or password")
	}
}

func (s *Server) updateCredentials(raw json.RawMessage) statusResponse {
	var v updateCredentialsValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return fail(codeError, "Malformed request")
	}

	switch err := s.users.UpdateCredentials(v.Username, v.OldPassword, v.NewPassword); {
	case err == nil:
		return ok()
	case errors.Is(err, users.ErrUnknownUser):
		return fail(codeUserConflict, "User not found")
	case errors.Is(err, users.ErrWrongPassword):
		return fail(codeUserConflict, "Username/old password mismatch")
	case errors.Is(err, users.ErrAlreadyLoggedIn):
		return fail(codeUserLoggedIn, "User currently logged in")
	case errors.Is(err, users.ErrSamePassword):
		return fail(codeSamePassword, "New password equal to old one")
	default:
		return fail(codeError, "Invalid new password")
	}
}

func (s *Server) login(raw json.RawMessage) (statusResponse, string) {
	var v credentialValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return fail(codeError, "Malformed request"), ""
	}

	switch err := s.users.Login(v.Username, v.Password); {
	case err == nil:
		return ok(), v.Username
	case errors.Is(err, users.ErrUnknownUser):
		return fail(codeError, "User does not exist"), ""
	case errors.Is(err, users.ErrAlreadyLoggedIn):
		return fail(codeUserConflict, "User already logged in"), ""
	default:
		return fail(codeError, "Username/password mismatch"), ""
	}
}

func (s *Server) logout(user string) statusResponse {
	if err := s.users.Logout(user); err != nil {
		return fail(codeError, "User not logged in")
	}
	return ok()
}

func (s *Server) insertLimitOrder(user string, raw json.RawMessage) orderIDResponse {
	var v limitOrderValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return orderIDResponse{OrderID: rejectedOrderID}
	}

	order := &matchbook.Order{
		ID:        s.ids.Next(),
		User:      user,
		Side:      matchbook.Side(strings.ToLower(v.Type)),
		Type:      matchbook.Limit,
		Size:      v.Size,
		Price:     v.LimitPrice,
		Timestamp: time.Now().Unix(),
	}
	s.recordOrder(order)

	trades, err := s.book.InsertLimit(order)
	if err != nil {
		return orderIDResponse{OrderID: rejectedOrderID}
	}

	s.publishTrades(trades)
	return orderIDResponse{OrderID: order.ID}
}

func (s *Server) insertMarketOrder(user string, raw json.RawMessage) orderIDResponse {
	var v marketOrderValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return orderIDResponse{OrderID: rejectedOrderID}
	}

	order := &matchbook.Order{
		ID:        s.ids.Next(),
		User:      user,
		Side:      matchbook.Side(strings.ToLower(v.Type)),
		Type:      matchbook.Market,
		Size:      v.Size,
		Timestamp: time.Now().Unix(),
	}
	s.recordOrder(order)

	trades, err := s.book.InsertMarket(order)
	if err != nil || trades.Count() == 0 {
		// Market orders fill completely or not at all.
		return orderIDResponse{OrderID: rejectedOrderID}
	}

	s.publishTrades(trades)
	return orderIDResponse{OrderID: order.ID}
}

func (s *Server) insertStopOrder(user string, raw json.RawMessage) orderIDResponse {
	var v stopOrderValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return orderIDResponse{OrderID: rejectedOrderID}
	}

	order := &matchbook.Order{
		ID:        s.ids.Next(),
		User:      user,
		Side:      matchbook.Side(strings.ToLower(v.Type)),
		Type:      matchbook.Stop,
		Size:      v.Size,
		Price:     v.StopPrice,
		Timestamp: time.Now().Unix(),
	}
	s.recordOrder(order)

	if !s.book.InsertStop(order) {
		return orderIDResponse{OrderID: rejectedOrderID}
	}
	return orderIDResponse{OrderID: order.ID}
}

// cancelOrder distinguishes four outcomes: wrong owner, already finalized,
// removed, and already cancelled. Orders found only in history but never in
// the book are market orders, which cannot be cancelled.
func (s *Server) cancelOrder(user string, raw json.RawMessage) statusResponse {
	var v cancelOrderValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return fail(codeError, "Malformed request")
	}

	if order, found := s.book.GetActiveOrder(v.OrderID); found {
		if order.User != user {
			return fail(codeError, "Order belongs to a different user")
		}
		if order.Size == 0 {
			return fail(codeError, "Order has already been finalized")
		}
		if s.book.Cancel(order) {
			return ok()
		}
		return fail(codeError, "Order has been cancelled already")
	}

	historic, err := s.history.GetOrder(v.OrderID)
	if err != nil {
		slog.Error("failed to look up order", "error", err, "orderId", v.OrderID)
		return fail(codeError, "Order lookup failed")
	}
	if historic != nil {
		return fail(codeError, "Order is a market order, cannot be cancelled")
	}
	return fail(codeError, "Order does not exist")
}

func (s *Server) getPriceHistory(raw json.RawMessage) priceHistoryResponse {
	var v priceHistoryValues
	if err := json.Unmarshal(raw, &v); err != nil {
		return priceHistoryResponse{Response: codeError, ErrorMessage: "Malformed request"}
	}

	data, err := s.history.PriceHistory(v.Month)
	if err != nil {
		return priceHistoryResponse{Response: codeError, ErrorMessage: "Invalid month, expected MMYYYY"}
	}
	if len(data) == 0 {
		return priceHistoryResponse{Response: codeError, ErrorMessage: "No data for the requested month"}
	}
	return priceHistoryResponse{Response: codeOK, ErrorMessage: "OK", Data: data}
}

// recordOrder writes the order to history before matching can mutate it, so
// the historical record keeps the requested size.
func (s *Server) recordOrder(order *matchbook.Order) {
	if err := s.history.AddOrder(order.Clone()); err != nil {
		slog.Error("failed to record order", "error", err, "orderId", order.ID)
	}
}

func (s *Server) publishTrades(trades matchbook.TradesByOwner) {
	if trades.Count() == 0 {
		return
	}
	s.history.RecordTrades(trades)
	s.notifier.NotifyTrades(trades)
}
