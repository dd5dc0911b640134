package command

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uscope-rpc/config"
	"uscope-rpc/message"
	"uscope-rpc/protocol"
	"uscope-rpc/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Setenv(config.EnvConfigPath, "")

	root := NewRootCommandeer()
	var out bytes.Buffer
	root.GetCmd().SetOut(&out)
	root.GetCmd().SetArgs(args)
	err := root.GetCmd().ExecuteContext(context.Background())
	return out.String(), err
}

func emulatedDriver(t *testing.T) (*server.Emulator, string, int) {
	svr := server.NewServer()
	emulator := server.NewEmulator(nil)
	emulator.Register(svr)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(listener)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	host, port, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	portNumber, err := strconv.Atoi(port)
	require.NoError(t, err)
	return emulator, host, portNumber
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "uscopectl "+Version)
}

func TestSend(t *testing.T) {
	emulator, host, port := emulatedDriver(t)

	_, err := run(t, "send", "--host", host, "--port", strconv.Itoa(port),
		"--cmd", "2", "--args", `{"address": 64, "value": 9}`)
	require.NoError(t, err)
	assert.EqualValues(t, 9, emulator.Peek(64))

	out, err := run(t, "send", "--host", host, "--port", strconv.Itoa(port),
		"--cmd", "4", "--args", `{"address": 64}`)
	require.NoError(t, err)

	var response map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.EqualValues(t, 1, response["response_code"])
	assert.EqualValues(t, 9, response["data"])
}

func TestSendKeepsLargeIntegers(t *testing.T) {
	emulator, host, port := emulatedDriver(t)

	_, err := run(t, "send", "--host", host, "--port", strconv.Itoa(port),
		"--cmd", "2", "--args", `{"address": 18446744073709551615, "value": 9007199254740993}`)
	require.NoError(t, err)
	assert.Equal(t, uint64(9007199254740993), emulator.Peek(math.MaxUint64))

	args, err := parseArgs(`{"value": 9007199254740993}`)
	require.NoError(t, err)
	frame, err := protocol.EncodeRequest(message.NewCommand(message.CmdSingleRegisterWrite, args))
	require.NoError(t, err)
	assert.Equal(t, `0000000043{"cmd":2,"args":{"value":9007199254740993}}`, string(frame))
}

func TestParseArgsRejectsTrailingData(t *testing.T) {
	_, err := parseArgs(`{"value": 1} {"value": 2}`)
	assert.Error(t, err)
}

func TestSendWithConfigFile(t *testing.T) {
	_, host, port := emulatedDriver(t)

	path := filepath.Join(t.TempDir(), "uscope.toml")
	require.NoError(t, os.WriteFile(path, []byte("[driver]\nhost = \""+host+"\"\nport = "+strconv.Itoa(port)+"\n\n[log]\nlevel = \"warn\"\n"), 0o600))

	out, err := run(t, "send", "--config", path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"response_code": 1}`, out)
}

func TestSendRejectsInvalidArgs(t *testing.T) {
	_, err := run(t, "send", "--args", "[1, 2]")
	assert.ErrorContains(t, err, "Failed to parse --args")
}

func TestSendConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(listener.Addr().String())
	listener.Close()

	_, err = run(t, "send", "--host", "127.0.0.1", "--port", port)
	assert.ErrorContains(t, err, "connect failed")
}

func TestEmulateRejectsBadAck(t *testing.T) {
	_, err := run(t, "emulate", "--ack", "okay")
	assert.ErrorContains(t, err, "--ack must be exactly 2 bytes")
}

func TestEmulateStopsOnCancel(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")

	ctx, cancel := context.WithCancel(context.Background())
	root := NewRootCommandeer()
	root.GetCmd().SetArgs([]string{"emulate", "--listen", "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- root.GetCmd().ExecuteContext(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("emulate did not stop")
	}
}
