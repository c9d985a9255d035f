package native

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/albertbausili/httpconn/internal/resource"
)

// Kind classifies transport failures.
type Kind int

// Transport error kinds.
const (
	KindOther Kind = iota
	KindBadResource
	KindInterrupted
	KindConnectionClosed
	KindNotSupported
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBadResource:
		return "BadResource"
	case KindInterrupted:
		return "Interrupted"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindNotSupported:
		return "NotSupported"
	default:
		return "Error"
	}
}

// Error is a typed transport failure.
type Error struct {
	Op   string // transport op, e.g. "accept", "write_headers"
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrBadResource      = &Error{Kind: KindBadResource}
	ErrInterrupted      = &Error{Kind: KindInterrupted}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrNotSupported     = &Error{Kind: KindNotSupported}
)

// connectionClosedText is matched against messages of untyped errors.
const connectionClosedText = "connection closed"

func (e *Error) message() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.message()
	}
	return e.Op + ": " + e.message()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when the target carries no message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Op == "" && t.Err == nil
}

// New creates a typed transport error.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap classifies err and attaches the op name. Already typed errors keep
// their kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		if ne.Op == "" {
			cp := *ne
			cp.Op = op
			return &cp
		}
		return err
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return KindBadResource
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindInterrupted
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return KindConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindInterrupted
	}
	return KindOther
}

// KindOf returns the kind of err, classifying untyped errors.
func KindOf(err error) Kind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return classify(err)
}

// IsBadResource reports whether err is a "resource already gone" failure.
func IsBadResource(err error) bool {
	return err != nil && KindOf(err) == KindBadResource
}

// IsInterrupted reports whether err is an interrupted operation.
func IsInterrupted(err error) bool {
	return err != nil && KindOf(err) == KindInterrupted
}

// IsGracefulClose reports whether an accept failure means the peer or the
// runtime has simply finished with the connection. Typed kinds are checked
// first; the message match covers transports that only report text.
func IsGracefulClose(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindBadResource, KindInterrupted, KindConnectionClosed:
		return true
	}
	return strings.Contains(err.Error(), connectionClosedText)
}

// Clone returns a fresh error of the same kind carrying the same message.
func Clone(err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return &Error{Op: ne.Op, Kind: ne.Kind, Msg: ne.message()}
	}
	return &Error{Kind: classify(err), Msg: err.Error()}
}
