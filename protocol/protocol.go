// Package protocol implements the framing of the uscope driver command link.
//
// It solves TCP's sticky packet problem with length prefixes, but the two directions of
// one connection use different header encodings. Requests carry a 10 character ASCII
// decimal length; responses carry a 4 byte big-endian length. The asymmetry is part of
// the contract with the peer and must not be normalized.
//
// One exchange per connection:
//
//	client                                   peer
//	  │── "0000000042"  (10 bytes, decimal) ──▶│
//	  │◀────────────── ack (2 bytes, opaque) ──│
//	  │── {"cmd":2,"args":{...}}  (42 bytes) ─▶│
//	  │◀──────── 00 00 00 02  (4 bytes, BE) ───│
//	  │◀──────── cc 2a  (2 bytes, msgpack) ────│
//
// The receiver never interprets a payload before it has read exactly the number of bytes
// its header declares.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"uscope-rpc/codec"
	"uscope-rpc/message"
)

const (
	RequestHeaderSize  int = 10 // ASCII decimal digits, zero padded
	AckSize            int = 2  // opaque handshake acknowledgment
	ResponseHeaderSize int = 4  // big-endian uint32

	// MaxRequestPayload is the largest length 10 decimal digits can express.
	MaxRequestPayload int64 = 9_999_999_999
	// MaxResponsePayload is the largest length a 4 byte header can express.
	MaxResponsePayload uint64 = math.MaxUint32
)

// DefaultAck is what the emulated peer sends after a request header. Clients never
// look at its content.
var DefaultAck = [AckSize]byte{'o', 'k'}

// EncodeRequestHeader renders n as a zero padded 10 digit decimal header.
func EncodeRequestHeader(n int64) ([]byte, error) {
	if n < 0 || n > MaxRequestPayload {
		return nil, EncodingError("encode request header", errors.Errorf("payload length %d outside [0, %d]", n, MaxRequestPayload))
	}
	header := make([]byte, RequestHeaderSize)
	digits := strconv.AppendInt(nil, n, 10)
	for i := range header[:RequestHeaderSize-len(digits)] {
		header[i] = '0'
	}
	copy(header[RequestHeaderSize-len(digits):], digits)
	return header, nil
}

// ParseRequestHeader is the peer side inverse of EncodeRequestHeader. Every byte must be
// an ASCII digit.
func ParseRequestHeader(header []byte) (int64, error) {
	if len(header) != RequestHeaderSize {
		return 0, DecodingError("parse request header", errors.Errorf("header is %d bytes, want %d", len(header), RequestHeaderSize))
	}
	var n int64
	for _, b := range header {
		if b < '0' || b > '9' {
			return 0, DecodingError("parse request header", errors.Errorf("invalid length header %q", header))
		}
		n = n*10 + int64(b-'0')
	}
	return n, nil
}

// EncodeRequest serializes cmd as JSON and prefixes it with its decimal length header.
// Nothing is written anywhere, so a failure here means no bytes ever reach the peer.
func EncodeRequest(cmd *message.Command) ([]byte, error) {
	if cmd == nil {
		return nil, EncodingError("encode request", errors.New("nil command"))
	}
	if cmd.Args == nil {
		cmd = message.NewCommand(cmd.Cmd, nil)
	}

	payload, err := codec.GetCodec(codec.CodecTypeJSON).Encode(cmd)
	if err != nil {
		return nil, EncodingError("encode request", err)
	}

	header, err := EncodeRequestHeader(int64(len(payload)))
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	return append(frame, payload...), nil
}

// DecodeRequest is used by the peer to turn a request payload back into a command.
func DecodeRequest(payload []byte) (*message.Command, error) {
	var cmd message.Command
	if err := codec.GetCodec(codec.CodecTypeJSON).Decode(payload, &cmd); err != nil {
		return nil, DecodingError("decode request", err)
	}
	if cmd.Args == nil {
		cmd.Args = map[string]any{}
	}
	return &cmd, nil
}

// EncodeResponseHeader renders n as a 4 byte big-endian length.
func EncodeResponseHeader(n uint64) ([]byte, error) {
	if n > MaxResponsePayload {
		return nil, EncodingError("encode response header", errors.Errorf("payload length %d exceeds %d", n, MaxResponsePayload))
	}
	header := make([]byte, ResponseHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(n))
	return header, nil
}

// ParseResponseHeader reads the 4 byte big-endian payload length.
func ParseResponseHeader(header []byte) (uint32, error) {
	if len(header) != ResponseHeaderSize {
		return 0, DecodingError("parse response header", errors.Errorf("header is %d bytes, want %d", len(header), ResponseHeaderSize))
	}
	return binary.BigEndian.Uint32(header), nil
}

// EncodeResponse serializes value as msgpack and prefixes it with its binary length header.
func EncodeResponse(value any) ([]byte, error) {
	payload, err := codec.GetCodec(codec.CodecTypeMsgPack).Encode(value)
	if err != nil {
		return nil, EncodingError("encode response", err)
	}
	header, err := EncodeResponseHeader(uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	return append(header, payload...), nil
}

// DecodeResponse deserializes a msgpack response payload into a generic value.
func DecodeResponse(payload []byte) (any, error) {
	var value any
	if err := DecodeResponseInto(payload, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// DecodeResponseInto deserializes a msgpack response payload into out, which must be a
// pointer.
func DecodeResponseInto(payload []byte, out any) error {
	if err := codec.GetCodec(codec.CodecTypeMsgPack).Decode(payload, out); err != nil {
		return DecodingError("decode response", err)
	}
	return nil
}

// readChunk bounds the up-front allocation of ReadExact. Larger reads grow the buffer
// as bytes arrive, so an announced length costs nothing until the peer sends it.
const readChunk = 64 << 10

// ReadExact reads exactly n bytes from r. It never returns a short buffer: if the peer
// closes or the read fails before n bytes arrive, the result is a ConnectionError.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, ConnectionError("read", errors.Errorf("negative read length %d", n))
	}
	if n <= readChunk {
		buf := make([]byte, n)
		if n == 0 {
			return buf, nil
		}
		// io.ReadFull loops over partial reads until buf is full
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, shortRead(err, n)
		}
		return buf, nil
	}

	var buf bytes.Buffer
	buf.Grow(readChunk)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, shortRead(err, n)
	}
	return buf.Bytes(), nil
}

func shortRead(err error, n int) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return ConnectionError("read", errors.Wrapf(err, "wanted %d bytes", n))
}

// WriteFull writes all of p to w or returns a ConnectionError.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return ConnectionError("write", err)
		}
		if n == 0 {
			return ConnectionError("write", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

// ReadAck consumes the handshake acknowledgment. Its content is not interpreted.
func ReadAck(r io.Reader) error {
	if _, err := ReadExact(r, AckSize); err != nil {
		return Relabel(err, "read ack")
	}
	return nil
}

// WriteAck sends the handshake acknowledgment.
func WriteAck(w io.Writer, ack [AckSize]byte) error {
	if err := WriteFull(w, ack[:]); err != nil {
		return Relabel(err, "write ack")
	}
	return nil
}

// Relabel replaces the Op of a classified error so it names the protocol step.
// Unclassified errors are returned unchanged.
func Relabel(err error, op string) error {
	var pe *Error
	if errors.As(err, &pe) {
		return &Error{Kind: pe.Kind, Op: op, Err: pe.Err}
	}
	return err
}
