package httpconn

import (
	"errors"
	"fmt"
)

// Responder and upgrade errors.
var (
	ErrInvalidResponse      = errors.New("httpconn: value is not a response")
	ErrAlreadyResponded     = errors.New("httpconn: request already responded to")
	ErrBodyUnusable         = errors.New("httpconn: body is unusable")
	ErrNotBytes             = errors.New("httpconn: value not a byte slice")
	ErrUnreachable          = errors.New("httpconn: unreachable")
	ErrStreamLocked         = errors.New("httpconn: stream is locked")
	ErrInvalidUpgradeHeader = errors.New("httpconn: invalid header")
	ErrProtocolNotOffered   = errors.New("httpconn: protocol not offered")
	ErrFastRequest          = errors.New("httpconn: request is not bound to a connection stream and can not be upgraded")
	ErrUpgradeNotPerformed  = errors.New("httpconn: response finished without upgrading")
	ErrWebSocketNotOpen     = errors.New("httpconn: websocket is not open")
	ErrInvalidCloseCode     = errors.New("httpconn: close code must be 1000 or in the range 3000-4999")
	ErrCloseReasonTooLong   = errors.New("httpconn: close reason must not exceed 123 bytes")
)

// HeaderError reports a request header that does not allow a WebSocket
// upgrade. It matches ErrInvalidUpgradeHeader with errors.Is.
type HeaderError struct {
	Name string
	Msg  string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("Invalid Header: '%s' header %s", e.Name, e.Msg)
}

func (e *HeaderError) Unwrap() error { return ErrInvalidUpgradeHeader }
