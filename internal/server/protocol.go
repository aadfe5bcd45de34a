package server

import (
	"encoding/json"

	"github.com/matchbook-io/matchbook/internal/history"
)

// request is the envelope every client message arrives in. Values stays raw
// until the operation name tells us which shape to decode.
type request struct {
	Operation string          `json:"operation"`
	Values    json.RawMessage `json:"values"`
}

type credentialValues struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type updateCredentialsValues struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type limitOrderValues struct {
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	LimitPrice int64  `json:"limitPrice"`
}

type marketOrderValues struct {
	Type string `json:"type"`
	Size int64  `json:"size"`
}

type stopOrderValues struct {
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	StopPrice int64  `json:"stopPrice"`
}

type cancelOrderValues struct {
	OrderID int64 `json:"orderId"`
}

type priceHistoryValues struct {
	Month string `json:"month"`
}

// statusResponse answers operations that report a code and a message.
type statusResponse struct {
	Response     int    `json:"response"`
	ErrorMessage string `json:"errorMessage"`
}

// orderIDResponse answers insert operations. OrderID is -1 when the venue
// rejected the order.
type orderIDResponse struct {
	OrderID int64 `json:"orderId"`
}

type priceHistoryResponse struct {
	Response     int                            `json:"response"`
	ErrorMessage string                         `json:"errorMessage"`
	Data         map[string]*history.DailyPrice `json:"data,omitempty"`
}

const (
	codeOK = 100
	// codeError covers most failures; a few operations use more specific
	// codes so clients can distinguish causes.
	codeError        = 101
	codeUserConflict = 102
	codeSamePassword = 103
	codeUserLoggedIn = 104
	rejectedOrderID  = -1
)

func ok() statusResponse {
	return statusResponse{Response: codeOK, ErrorMessage: "OK"}
}

func fail(code int, msg string) statusResponse {
	return statusResponse{Response: code, ErrorMessage: msg}
}
