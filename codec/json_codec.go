package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// It is the request direction format: the peer parses the command object as UTF-8 JSON.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode keeps numbers as json.Number so integers above 2^53 survive a decode and
// re-encode unchanged. Trailing data after the value is an error.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid character after top-level value")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
