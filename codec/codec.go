// Package codec serializes values for the two directions of the driver link.
//
// Requests travel as JSON (textual, self-describing); responses come back as msgpack
// (binary, self-describing). The two are never swapped: the peer only understands JSON
// on the way in and only produces msgpack on the way out.
package codec

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgPack CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeMsgPack:
		return "msgpack"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=MsgPack
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &MsgPackCodec{}
}
