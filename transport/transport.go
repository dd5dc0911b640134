// Package transport implements the client side of one command exchange.
//
// Every RoundTrip dials its own TCP connection, owns it exclusively, runs exactly one
// request/response exchange over it and closes it. There is no pooling and no
// multiplexing, so concurrent RoundTrips share nothing but the Transport configuration.
//
//	RoundTrip:
//	  dial ──▶ header ──▶ ack ──▶ payload ──▶ length ──▶ response ──▶ close
//	  (each arrow is a blocking step bounded by its own deadline)
//
// The payload is never written before the 2 byte acknowledgment has been read in full.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uscope-rpc/protocol"
)

// ErrResponseTooLarge is the cause of a ConnectionError when the peer announces a
// response bigger than Transport.MaxResponseSize.
var ErrResponseTooLarge = errors.New("response exceeds size limit")

// Timeouts bound each blocking step. Zero disables the bound for that step; a context
// deadline still applies.
type Timeouts struct {
	Connect time.Duration // dial
	Write   time.Duration // header and payload writes, each
	Read    time.Duration // ack, length and response reads, each
}

// DefaultTimeouts are used when nothing else is configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 5 * time.Second,
		Write:   30 * time.Second,
		Read:    30 * time.Second,
	}
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Transport carries the configuration for exchanges. It is safe for concurrent use.
type Transport struct {
	Timeouts Timeouts
	// MaxResponseSize caps the announced response length. Zero means the protocol
	// maximum of 2^32-1 bytes.
	MaxResponseSize uint32

	logger *zap.Logger
	dial   DialFunc
}

type Option func(*Transport)

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithDialFunc replaces the TCP dialer.
func WithDialFunc(dial DialFunc) Option {
	return func(t *Transport) { t.dial = dial }
}

// WithMaxResponseSize caps the response length the transport will accept.
func WithMaxResponseSize(n uint32) Option {
	return func(t *Transport) { t.MaxResponseSize = n }
}

func NewTransport(timeouts Timeouts, opts ...Option) *Transport {
	t := &Transport{
		Timeouts: timeouts,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dial == nil {
		d := &net.Dialer{Timeout: timeouts.Connect}
		t.dial = d.DialContext
	}
	return t
}

// Dial opens the TCP connection for one exchange. Failures are ConnectFailed.
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.Timeouts.Connect > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeouts.Connect)
		defer cancel()
	}
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.ConnectFailed("dial "+addr, err)
	}
	return conn, nil
}

// RoundTrip dials addr, performs one exchange with an already encoded request frame and
// returns the raw response payload. The connection is closed before RoundTrip returns,
// on every path, exactly once.
func (t *Transport) RoundTrip(ctx context.Context, addr string, request []byte) ([]byte, error) {
	if len(request) < protocol.RequestHeaderSize {
		return nil, protocol.EncodingError("round trip", errors.Errorf("request frame of %d bytes has no header", len(request)))
	}

	conn, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			t.logger.Debug("Failed to close connection", zap.String("addr", addr), zap.Error(err))
		}
	}()

	t.logger.Debug("Connected", zap.String("addr", addr), zap.String("local", conn.LocalAddr().String()))
	return t.Exchange(ctx, conn, request)
}

// Exchange runs steps header → ack → payload → length → response on conn. It does not
// close conn.
func (t *Transport) Exchange(ctx context.Context, conn net.Conn, request []byte) ([]byte, error) {
	// Cancelling ctx expires whatever deadline is in force so the blocked step returns.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	header, payload := request[:protocol.RequestHeaderSize], request[protocol.RequestHeaderSize:]

	// Step 1: send the 10 byte decimal length header
	if err := t.write(ctx, conn, header, "write request header"); err != nil {
		return nil, err
	}

	// Step 2: wait for the full 2 byte ack before anything else goes out
	if _, err := t.read(ctx, conn, protocol.AckSize, "read ack"); err != nil {
		return nil, err
	}

	// Step 3: send the JSON payload
	if err := t.write(ctx, conn, payload, "write request payload"); err != nil {
		return nil, err
	}

	// Step 4: read the 4 byte big-endian response length
	raw, err := t.read(ctx, conn, protocol.ResponseHeaderSize, "read response header")
	if err != nil {
		return nil, err
	}
	length, err := protocol.ParseResponseHeader(raw)
	if err != nil {
		return nil, err
	}
	if t.MaxResponseSize > 0 && length > t.MaxResponseSize {
		return nil, protocol.ConnectionError("read response header", errors.Wrapf(ErrResponseTooLarge, "%d > %d bytes", length, t.MaxResponseSize))
	}

	// Step 5: read exactly length bytes of msgpack
	return t.read(ctx, conn, int(length), "read response payload")
}

func (t *Transport) write(ctx context.Context, conn net.Conn, p []byte, op string) error {
	if err := arm(ctx, conn.SetWriteDeadline, t.Timeouts.Write); err != nil {
		return protocol.ConnectionError(op, err)
	}
	if err := protocol.WriteFull(conn, p); err != nil {
		return classify(ctx, err, op)
	}
	return nil
}

func (t *Transport) read(ctx context.Context, conn net.Conn, n int, op string) ([]byte, error) {
	if err := arm(ctx, conn.SetReadDeadline, t.Timeouts.Read); err != nil {
		return nil, protocol.ConnectionError(op, err)
	}
	buf, err := protocol.ReadExact(conn, n)
	if err != nil {
		return nil, classify(ctx, err, op)
	}
	return buf, nil
}

// arm sets the deadline for one step: the step timeout or the context deadline,
// whichever comes first.
func arm(ctx context.Context, set func(time.Time) error, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := set(deadline); err != nil {
		return err
	}
	return ctx.Err()
}

// classify names the failed step and, when the context ended the step, reports the
// context error as the cause instead of the synthetic deadline.
func classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return protocol.ConnectionError(op, ctxErr)
	}
	return protocol.Relabel(err, op)
}
