package server

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"uscope-rpc/message"
	"uscope-rpc/middleware"
	"uscope-rpc/protocol"
	"uscope-rpc/registry"
	"uscope-rpc/transport"
)

// startServer serves svr on a loopback port until the test ends.
func startServer(t *testing.T, svr *Server) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svr.ServeListener(listener) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		assert.NoError(t, <-done)
	})
	return listener.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// call runs one exchange on conn and parses the driver response.
func call(t *testing.T, conn net.Conn, cmd *message.Command) *message.Response {
	request, err := protocol.EncodeRequest(cmd)
	require.NoError(t, err)

	payload, err := transport.NewTransport(transport.DefaultTimeouts()).Exchange(context.Background(), conn, request)
	require.NoError(t, err)

	value, err := protocol.DecodeResponse(payload)
	require.NoError(t, err)
	resp, ok := message.ParseResponse(value)
	require.True(t, ok, "unexpected response %#v", value)
	return resp
}

func TestNullCommand(t *testing.T) {
	addr := startServer(t, NewServer(WithLogger(zaptest.NewLogger(t))))

	resp := call(t, dial(t, addr), message.NewCommand(message.CmdNull, nil))
	assert.Equal(t, message.RespOK, resp.Code)
	assert.NoError(t, resp.Err())
}

func TestUnknownCommand(t *testing.T) {
	addr := startServer(t, NewServer(WithLogger(zaptest.NewLogger(t))))

	resp := call(t, dial(t, addr), message.NewCommand(message.CommandID(99), nil))
	assert.Equal(t, message.RespInvalidCmdSchema, resp.Code)
	assert.Equal(t, "DRIVER ERROR: Unknown command received\n", resp.Data)

	var driverErr *message.DriverError
	require.True(t, errors.As(resp.Err(), &driverErr))
	assert.Equal(t, message.RespInvalidCmdSchema, driverErr.Code)
}

func TestInvalidCommandObject(t *testing.T) {
	addr := startServer(t, NewServer(WithLogger(zaptest.NewLogger(t))))
	conn := dial(t, addr)

	payload := []byte(`{"cmd": "nope"`)
	header, err := protocol.EncodeRequestHeader(int64(len(payload)))
	require.NoError(t, err)

	raw, err := transport.NewTransport(transport.DefaultTimeouts()).Exchange(context.Background(), conn, append(header, payload...))
	require.NoError(t, err)

	value, err := protocol.DecodeResponse(raw)
	require.NoError(t, err)
	resp, ok := message.ParseResponse(value)
	require.True(t, ok)
	assert.Equal(t, message.RespInvalidCmdSchema, resp.Code)
	assert.Contains(t, resp.Data, "DRIVER ERROR: Invalid command object received\n")

	// the connection stays usable
	assert.Equal(t, message.RespOK, call(t, conn, message.NewCommand(message.CmdNull, nil)).Code)
}

func TestSeveralCommandsOnOneConnection(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	NewEmulator(zaptest.NewLogger(t)).Register(svr)
	conn := dial(t, startServer(t, svr))

	for i := 0; i < 3; i++ {
		resp := call(t, conn, message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{"address": 0x43c00000, "value": i}))
		require.Equal(t, message.RespOK, resp.Code)

		resp = call(t, conn, message.NewCommand(message.CmdSingleRegisterRead, map[string]any{"address": 0x43c00000}))
		require.Equal(t, message.RespOK, resp.Code)
		value, ok := message.AsInt64(resp.Data)
		require.True(t, ok)
		assert.EqualValues(t, i, value)
	}
}

func TestCustomAck(t *testing.T) {
	addr := startServer(t, NewServer(WithAck([protocol.AckSize]byte{0xff, 0xfe})))
	conn := dial(t, addr)

	request, err := protocol.EncodeRequest(message.NewCommand(message.CmdNull, nil))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFull(conn, request[:protocol.RequestHeaderSize]))

	ack, err := protocol.ReadExact(conn, protocol.AckSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfe}, ack)
}

func TestHandlerErrorAndPanic(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	svr.Handle(message.CmdLoadBitstream, func(ctx context.Context, cmd *message.Command) (any, error) {
		return nil, errors.New("bitstream missing")
	})
	svr.Handle(message.CmdStartCapture, func(ctx context.Context, cmd *message.Command) (any, error) {
		panic("capture engine")
	})
	conn := dial(t, startServer(t, svr))

	resp := call(t, conn, message.NewCommand(message.CmdLoadBitstream, nil))
	assert.Equal(t, message.RespInternalError, resp.Code)
	assert.Equal(t, "DRIVER ERROR: bitstream missing", resp.Data)

	resp = call(t, conn, message.NewCommand(message.CmdStartCapture, nil))
	assert.Equal(t, message.RespInternalError, resp.Code)
	assert.Equal(t, "DRIVER ERROR: capture engine", resp.Data)
}

func TestEmulator(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	emulator := NewEmulator(zaptest.NewLogger(t))
	emulator.Register(svr)
	conn := dial(t, startServer(t, svr))

	resp := call(t, conn, message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{
		"type":          "proxied",
		"proxy_address": 321,
		"proxy_type":    "test",
		"address":       44,
		"value":         63,
	}))
	require.Equal(t, message.RespOK, resp.Code)
	assert.EqualValues(t, 63, emulator.PeekProxied(321, 44))
	assert.EqualValues(t, 0, emulator.Peek(44))

	resp = call(t, conn, message.NewCommand(message.CmdProxiedWrite, map[string]any{"proxy_address": 321, "address": 45, "value": 7}))
	require.Equal(t, message.RespOK, resp.Code)
	assert.EqualValues(t, 7, emulator.PeekProxied(321, 45))

	resp = call(t, conn, message.NewCommand(message.CmdBulkRegisterWrite, map[string]any{
		"address": []int{0x10, 0x14, 0x18},
		"value":   []int{1, 2, 3},
	}))
	require.Equal(t, message.RespOK, resp.Code)

	resp = call(t, conn, message.NewCommand(message.CmdBulkRegisterRead, map[string]any{"address": []int{0x18, 0x10, 0x99}}))
	require.Equal(t, message.RespOK, resp.Code)
	values, ok := resp.Data.([]any)
	require.True(t, ok, "data is %T", resp.Data)
	require.Len(t, values, 3)
	for i, want := range []int64{3, 1, 0} {
		got, ok := message.AsInt64(values[i])
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestEmulatorKeepsFullUint64Range(t *testing.T) {
	svr := NewServer()
	emulator := NewEmulator(nil)
	emulator.Register(svr)
	conn := dial(t, startServer(t, svr))

	resp := call(t, conn, message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{
		"address": uint64(math.MaxUint64),
		"value":   uint64(1<<53 + 1),
	}))
	require.Equal(t, message.RespOK, resp.Code)
	assert.Equal(t, uint64(1<<53+1), emulator.Peek(math.MaxUint64))

	resp = call(t, conn, message.NewCommand(message.CmdSingleRegisterRead, map[string]any{"address": uint64(math.MaxUint64)}))
	require.Equal(t, message.RespOK, resp.Code)
	assert.EqualValues(t, uint64(1<<53+1), resp.Data)
}

func TestEmulatorInvalidArguments(t *testing.T) {
	svr := NewServer()
	NewEmulator(nil).Register(svr)
	conn := dial(t, startServer(t, svr))

	for name, cmd := range map[string]*message.Command{
		"missing address": message.NewCommand(message.CmdSingleRegisterRead, nil),
		"negative value":  message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{"address": 4, "value": -1}),
		"fraction":        message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{"address": 4.5, "value": 1}),
		"unknown type":    message.NewCommand(message.CmdSingleRegisterWrite, map[string]any{"type": "bus", "address": 4, "value": 1}),
		"length mismatch": message.NewCommand(message.CmdBulkRegisterWrite, map[string]any{"address": []int{1, 2}, "value": []int{1}}),
		"not a list":      message.NewCommand(message.CmdBulkRegisterRead, map[string]any{"address": 1}),
	} {
		t.Run(name, func(t *testing.T) {
			resp := call(t, conn, cmd)
			assert.Equal(t, message.RespInvalidArg, resp.Code)
		})
	}
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svr := NewServer()
	svr.Use(middleware.LoggingMiddleware(zap.New(core)))
	conn := dial(t, startServer(t, svr))

	call(t, conn, message.NewCommand(message.CmdNull, nil))
	call(t, conn, message.NewCommand(message.CmdReadData, nil))

	entries := logs.FilterMessage("Command completed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "null", entries[0].ContextMap()["cmd"])
	assert.Equal(t, "read_data", entries[1].ContextMap()["cmd"])
}

func TestServeRegistersAndShutdownDeregisters(t *testing.T) {
	reg := registry.NewStaticRegistry()
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))

	done := make(chan error, 1)
	go func() { done <- svr.Serve("tcp", "127.0.0.1:0", "driver-0:6666", reg) }()
	require.Eventually(t, func() bool { return svr.Addr() != nil }, time.Second, 10*time.Millisecond)

	instances, err := reg.Discover(context.Background(), registry.DefaultService)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "driver-0:6666", instances[0].Addr)

	// an idle connection must not block shutdown
	idle := dial(t, svr.Addr().String())

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-done)

	_, err = reg.Discover(context.Background(), registry.DefaultService)
	assert.True(t, errors.Is(err, registry.ErrNoInstances))

	idle.SetReadDeadline(time.Now().Add(time.Second))
	_, err = idle.Read(make([]byte, 1))
	assert.Error(t, err, "idle connection should be closed by shutdown")
}

func TestServeListenFailure(t *testing.T) {
	err := NewServer().Serve("tcp", "127.0.0.1:-1", "", nil)
	assert.Error(t, err)
}

func TestShutdownRefusesNewCommandsAndDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	svr.Handle(message.CmdStartCapture, func(ctx context.Context, cmd *message.Command) (any, error) {
		close(started)
		<-release
		return message.NewResponse(message.RespOK, "captured"), nil
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- svr.ServeListener(listener) }()

	busy := dial(t, listener.Addr().String())
	late := dial(t, listener.Addr().String())
	// both connections are accepted and idle in the command loop
	call(t, late, message.NewCommand(message.CmdNull, nil))

	captured := make(chan *message.Response, 1)
	go func() {
		request, _ := protocol.EncodeRequest(message.NewCommand(message.CmdStartCapture, nil))
		payload, err := transport.NewTransport(transport.DefaultTimeouts()).Exchange(context.Background(), busy, request)
		if err != nil {
			captured <- nil
			return
		}
		value, _ := protocol.DecodeResponse(payload)
		resp, _ := message.ParseResponse(value)
		captured <- resp
	}()
	<-started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- svr.Shutdown(5 * time.Second) }()
	require.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	// a command arriving after shutdown began is not served
	request, err := protocol.EncodeRequest(message.NewCommand(message.CmdNull, nil))
	require.NoError(t, err)
	_, err = transport.NewTransport(transport.DefaultTimeouts()).Exchange(context.Background(), late, request)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrConnection))

	// the in-flight command still completes
	close(release)
	resp := <-captured
	require.NotNil(t, resp)
	assert.Equal(t, "captured", resp.Data)

	require.NoError(t, <-shutdownErr)
	require.NoError(t, <-done)
}
