package codec

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// MsgPackCodec is the response direction format.
//
// Decoding into *any uses loose interface decoding: every integer comes back as int64
// or uint64 and every float as float64, whatever width the peer chose on the wire.
// Maps with string keys come back as map[string]any.
type MsgPackCodec struct{}

func (c *MsgPackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode requires data to hold exactly one value; trailing bytes are an error.
func (c *MsgPackCodec) Decode(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.UseDecodeInterfaceLoose(true)

	if err := dec.Decode(v); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errors.Errorf("msgpack: %d trailing bytes after value", r.Len())
	}
	return nil
}

func (c *MsgPackCodec) Type() CodecType {
	return CodecTypeMsgPack
}
