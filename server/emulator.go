package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"uscope-rpc/message"
)

type proxiedKey struct {
	proxy   uint64
	address uint64
}

// Emulator keeps an in-memory register file and answers the register commands of the
// driver against it. Other command ids stay unknown to the server.
type Emulator struct {
	mu        sync.Mutex
	registers map[uint64]uint64
	proxied   map[proxiedKey]uint64
	logger    *zap.Logger
}

func NewEmulator(logger *zap.Logger) *Emulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emulator{
		registers: make(map[uint64]uint64),
		proxied:   make(map[proxiedKey]uint64),
		logger:    logger,
	}
}

// Register installs the emulator's handlers on svr.
func (e *Emulator) Register(svr *Server) {
	svr.Handle(message.CmdSingleRegisterWrite, e.singleWrite)
	svr.Handle(message.CmdSingleRegisterRead, e.singleRead)
	svr.Handle(message.CmdBulkRegisterWrite, e.bulkWrite)
	svr.Handle(message.CmdBulkRegisterRead, e.bulkRead)
	svr.Handle(message.CmdProxiedWrite, e.proxiedWrite)
}

// Peek returns the value of a direct register.
func (e *Emulator) Peek(address uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registers[address]
}

// PeekProxied returns the value last written to address behind proxy.
func (e *Emulator) PeekProxied(proxy, address uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxied[proxiedKey{proxy, address}]
}

// singleWrite handles {"type": "direct"|"proxied", "address", "value", "proxy_address"}.
func (e *Emulator) singleWrite(ctx context.Context, cmd *message.Command) (any, error) {
	address, ok := uintArg(cmd.Args, "address")
	if !ok {
		return invalidArg("address"), nil
	}
	value, ok := uintArg(cmd.Args, "value")
	if !ok {
		return invalidArg("value"), nil
	}

	switch kind, _ := cmd.Args["type"].(string); kind {
	case "", "direct":
		e.write(address, value)
	case "proxied":
		proxy, ok := uintArg(cmd.Args, "proxy_address")
		if !ok {
			return invalidArg("proxy_address"), nil
		}
		e.writeProxied(proxy, address, value)
	default:
		return invalidArg("type"), nil
	}
	return message.NewResponse(message.RespOK, nil), nil
}

func (e *Emulator) singleRead(ctx context.Context, cmd *message.Command) (any, error) {
	address, ok := uintArg(cmd.Args, "address")
	if !ok {
		return invalidArg("address"), nil
	}
	return message.NewResponse(message.RespOK, e.Peek(address)), nil
}

// bulkWrite handles {"address": [...], "value": [...]}, written pairwise.
func (e *Emulator) bulkWrite(ctx context.Context, cmd *message.Command) (any, error) {
	addresses, ok := uintSliceArg(cmd.Args, "address")
	if !ok {
		return invalidArg("address"), nil
	}
	values, ok := uintSliceArg(cmd.Args, "value")
	if !ok || len(values) != len(addresses) {
		return invalidArg("value"), nil
	}
	for i, address := range addresses {
		e.write(address, values[i])
	}
	return message.NewResponse(message.RespOK, nil), nil
}

func (e *Emulator) bulkRead(ctx context.Context, cmd *message.Command) (any, error) {
	addresses, ok := uintSliceArg(cmd.Args, "address")
	if !ok {
		return invalidArg("address"), nil
	}
	values := make([]uint64, len(addresses))
	for i, address := range addresses {
		values[i] = e.Peek(address)
	}
	return message.NewResponse(message.RespOK, values), nil
}

// proxiedWrite handles {"proxy_address", "address", "value"}.
func (e *Emulator) proxiedWrite(ctx context.Context, cmd *message.Command) (any, error) {
	proxy, ok := uintArg(cmd.Args, "proxy_address")
	if !ok {
		return invalidArg("proxy_address"), nil
	}
	address, ok := uintArg(cmd.Args, "address")
	if !ok {
		return invalidArg("address"), nil
	}
	value, ok := uintArg(cmd.Args, "value")
	if !ok {
		return invalidArg("value"), nil
	}
	e.writeProxied(proxy, address, value)
	return message.NewResponse(message.RespOK, nil), nil
}

func (e *Emulator) write(address, value uint64) {
	e.mu.Lock()
	e.registers[address] = value
	e.mu.Unlock()
	e.logger.Debug("Register written", zap.String("address", fmt.Sprintf("0x%x", address)), zap.Uint64("value", value))
}

func (e *Emulator) writeProxied(proxy, address, value uint64) {
	e.mu.Lock()
	e.proxied[proxiedKey{proxy, address}] = value
	e.mu.Unlock()
	e.logger.Debug("Proxied register written",
		zap.String("proxy", fmt.Sprintf("0x%x", proxy)),
		zap.String("address", fmt.Sprintf("0x%x", address)),
		zap.Uint64("value", value))
}

func invalidArg(name string) map[string]any {
	return message.NewResponse(message.RespInvalidArg, "DRIVER ERROR: Invalid argument "+name+"\n")
}

// uintArg reads a non-negative integral argument. Requests are decoded with
// json.Number, so the full uint64 range is exact.
func uintArg(args map[string]any, name string) (uint64, bool) {
	return toUint(args[name])
}

func uintSliceArg(args map[string]any, name string) ([]uint64, bool) {
	raw, ok := args[name].([]any)
	if !ok {
		return nil, false
	}
	out := make([]uint64, len(raw))
	for i, v := range raw {
		if out[i], ok = toUint(v); !ok {
			return nil, false
		}
	}
	return out, true
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
