package matchbook

import "errors"

var (
	ErrInvalidParam       = errors.New("the param is invalid")
	ErrUnknownOrderType   = errors.New("unknown order type")
	ErrCorruptedSnapshot  = errors.New("snapshot is corrupted")
	ErrBookStateViolation = errors.New("order book state violation")
)
