// Package server implements the driver side of the command link, for emulation and
// tests.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection, commands handled in order)
//	  → read 10 byte header → send ack → read JSON payload → Middleware Chain → handler
//	  → msgpack encode → write 4 byte length + payload → next command or EOF
//
// A client that follows the one-exchange-per-connection model closes after the first
// response; the loop also serves clients that keep the connection open.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uscope-rpc/message"
	"uscope-rpc/middleware"
	"uscope-rpc/protocol"
	"uscope-rpc/registry"
)

// MaxRequestSize bounds the request payload the emulator accepts.
const MaxRequestSize = 1 << 20

// Server answers driver commands with registered handlers.
type Server struct {
	handlers    map[message.CommandID]middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	ack         [protocol.AckSize]byte
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight commands
	connWg   sync.WaitGroup // connection goroutines
	shutdown atomic.Bool    // suppresses the Accept error caused by Shutdown

	registry      registry.Registry
	service       string
	advertiseAddr string // address registered for discovery, routable unlike ":6666"
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAck sets the 2 bytes sent after each request header.
func WithAck(ack [protocol.AckSize]byte) Option {
	return func(s *Server) { s.ack = ack }
}

// NewServer creates a server that answers the null command and nothing else until
// handlers are registered.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[message.CommandID]middleware.HandlerFunc),
		ack:      protocol.DefaultAck,
		logger:   zap.NewNop(),
		conns:    make(map[net.Conn]struct{}),
		service:  registry.DefaultService,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Handle(message.CmdNull, func(ctx context.Context, cmd *message.Command) (any, error) {
		return map[string]any{message.KeyResponseCode: int(message.RespOK)}, nil
	})
	return s
}

// Handle registers the handler for one command id, replacing any previous one.
func (svr *Server) Handle(cmd message.CommandID, handler middleware.HandlerFunc) {
	svr.handlers[cmd] = handler
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address, optionally registers advertiseAddr with reg, and accepts
// connections until Shutdown.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", address)
	}

	if reg != nil {
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
		if err := reg.Register(context.Background(), svr.service, registry.ServiceInstance{
			Addr:   advertiseAddr,
			Weight: 1,
		}, 10); err != nil {
			listener.Close()
			return errors.Wrap(err, "Failed to register driver instance")
		}
	}

	return svr.ServeListener(listener)
}

// ServeListener accepts connections on an existing listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	// Build the middleware chain once at startup (not per command)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return listener.Close()
	}
	svr.listener = listener
	svr.mu.Unlock()

	svr.logger.Info("Emulated driver listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}

		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			conn.Close()
			return nil
		}
		svr.conns[conn] = struct{}{}
		svr.mu.Unlock()

		svr.connWg.Add(1)
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn serves commands on one connection in order until the peer closes it.
func (svr *Server) handleConn(conn net.Conn) {
	logger := svr.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
		svr.connWg.Done()
	}()

	for {
		cmd, err := svr.readCommand(conn)
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) && pe.Op == "read request header" && errors.Is(err, protocol.ErrConnection) {
				logger.Debug("Connection closed")
				return
			}
			if !errors.As(err, &pe) || pe.Kind != protocol.ErrDecoding || pe.Op != "decode request" {
				logger.Warn("Dropping connection", zap.Error(err))
				return
			}
			// the payload was read in full, so the stream is still in sync
			if err := svr.writeResponse(conn, message.NewResponse(message.RespInvalidCmdSchema,
				"DRIVER ERROR: Invalid command object received\n"+err.Error())); err != nil {
				logger.Warn("Failed to write response", zap.Error(err))
				return
			}
			continue
		}

		value, ok := svr.handleCommand(cmd)
		if !ok {
			logger.Debug("Dropping command received during shutdown", zap.Stringer("cmd", cmd.Cmd))
			return
		}
		if err := svr.writeResponse(conn, value); err != nil {
			logger.Warn("Failed to write response", zap.Error(err))
			return
		}
	}
}

func (svr *Server) readCommand(conn net.Conn) (*message.Command, error) {
	header, err := protocol.ReadExact(conn, protocol.RequestHeaderSize)
	if err != nil {
		return nil, protocol.Relabel(err, "read request header")
	}
	length, err := protocol.ParseRequestHeader(header)
	if err != nil {
		return nil, err
	}
	if length > MaxRequestSize {
		return nil, protocol.DecodingError("read request header", errors.Errorf("request of %d bytes exceeds %d", length, MaxRequestSize))
	}

	if err := protocol.WriteAck(conn, svr.ack); err != nil {
		return nil, err
	}

	payload, err := protocol.ReadExact(conn, int(length))
	if err != nil {
		return nil, protocol.Relabel(err, "read request payload")
	}
	return protocol.DecodeRequest(payload)
}

// handleCommand runs cmd through the handler chain. ok is false once Shutdown has
// started; the in-flight count is only raised under svr.mu before that point.
func (svr *Server) handleCommand(cmd *message.Command) (value any, ok bool) {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return nil, false
	}
	svr.wg.Add(1)
	svr.mu.Unlock()
	defer svr.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("Handler panicked", zap.Stringer("cmd", cmd.Cmd), zap.Any("panic", r))
			value, ok = message.NewResponse(message.RespInternalError, fmt.Sprintf("DRIVER ERROR: %v", r)), true
		}
	}()

	value, err := svr.handler(context.Background(), cmd)
	if err != nil {
		return message.NewResponse(message.RespInternalError, "DRIVER ERROR: "+err.Error()), true
	}
	return value, true
}

func (svr *Server) writeResponse(conn net.Conn, value any) error {
	frame, err := protocol.EncodeResponse(value)
	if err != nil {
		return err
	}
	return protocol.WriteFull(conn, frame)
}

// dispatch is the innermost handler: it looks up the handler for cmd.Cmd.
func (svr *Server) dispatch(ctx context.Context, cmd *message.Command) (any, error) {
	handler, ok := svr.handlers[cmd.Cmd]
	if !ok {
		return message.NewResponse(message.RespInvalidCmdSchema, "DRIVER ERROR: Unknown command received\n"), nil
	}
	return handler(ctx, cmd)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery (clients stop routing here)
//  2. Set shutdown flag under mu (Accept errors become intentional, no new command
//     joins the in-flight count)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight commands to finish (with timeout)
//  5. Close remaining idle connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := svr.registry.Deregister(ctx, svr.service, svr.advertiseAddr); err != nil {
			svr.logger.Warn("Failed to deregister", zap.Error(err))
		}
		cancel()
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing commands to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	svr.connWg.Wait()
	return err
}
