package protocol

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// Error kinds. Every failure of an exchange is an *Error whose Kind is one of these,
// so callers match with errors.Is(err, protocol.ErrConnection) and still reach the
// underlying cause with errors.Is / errors.As.
var (
	ErrConnectFailed = errors.New("connect failed")
	ErrConnection    = errors.New("connection error")
	ErrEncoding      = errors.New("encoding error")
	ErrDecoding      = errors.New("decoding error")
)

// Error is a classified exchange failure.
type Error struct {
	Kind error  // ErrConnectFailed, ErrConnection, ErrEncoding or ErrDecoding
	Op   string // the step that failed, e.g. "read ack"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConnectFailed classifies a dial failure.
func ConnectFailed(op string, err error) error { return newError(ErrConnectFailed, op, err) }

// ConnectionError classifies a read or write that could not move the required bytes.
func ConnectionError(op string, err error) error { return newError(ErrConnection, op, err) }

// EncodingError classifies a command that cannot be serialized.
func EncodingError(op string, err error) error { return newError(ErrEncoding, op, err) }

// DecodingError classifies a malformed response payload.
func DecodingError(op string, err error) error { return newError(ErrDecoding, op, err) }

// IsTimeout reports whether err was caused by an expired deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Kind returns the error kind of err, or nil if err is not classified.
func Kind(err error) error {
	for _, kind := range []error{ErrConnectFailed, ErrConnection, ErrEncoding, ErrDecoding} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
