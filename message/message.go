// Package message defines the values exchanged with the uscope driver.
//
// A Command is the "envelope" for every call. It gets serialized by the codec layer
// (JSON) and wrapped in a request frame for transmission over TCP. What comes back is
// an arbitrary msgpack value; for the driver it is usually a map carrying a
// response_code and a data member, which Response interprets.
package message

import "fmt"

// CommandID identifies the requested driver operation.
type CommandID int

// Driver command ids. The transport never validates these; any integer is sent as is.
const (
	CmdNull                 CommandID = 0
	CmdLoadBitstream        CommandID = 1
	CmdSingleRegisterWrite  CommandID = 2
	CmdBulkRegisterWrite    CommandID = 3
	CmdSingleRegisterRead   CommandID = 4
	CmdBulkRegisterRead     CommandID = 5
	CmdStartCapture         CommandID = 6
	CmdProxiedWrite         CommandID = 7
	CmdReadData             CommandID = 8
	CmdCheckCaptureProgress CommandID = 9
	CmdSetChannelStatus     CommandID = 10
)

var commandNames = map[CommandID]string{
	CmdNull:                 "null",
	CmdLoadBitstream:        "load_bitstream",
	CmdSingleRegisterWrite:  "single_register_write",
	CmdBulkRegisterWrite:    "bulk_register_write",
	CmdSingleRegisterRead:   "single_register_read",
	CmdBulkRegisterRead:     "bulk_register_read",
	CmdStartCapture:         "start_capture",
	CmdProxiedWrite:         "proxied_write",
	CmdReadData:             "read_data",
	CmdCheckCaptureProgress: "check_capture_progress",
	CmdSetChannelStatus:     "set_channel_status",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(%d)", int(c))
}

// Command carries a single request.
//
//   - Cmd selects the operation on the peer.
//   - Args is command specific and never interpreted by the transport.
type Command struct {
	Cmd  CommandID      `json:"cmd"`
	Args map[string]any `json:"args"`
}

// NewCommand builds a command, substituting an empty argument map for nil so the
// wire form always carries an "args" object.
func NewCommand(cmd CommandID, args map[string]any) *Command {
	if args == nil {
		args = map[string]any{}
	}
	return &Command{Cmd: cmd, Args: args}
}
