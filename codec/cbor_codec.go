package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same message always produces the
// same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes messages as CBOR. Payloads stay raw JSON inside a CBOR byte
// string, so only the envelope framing changes.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: cbor encode: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: cbor decode: %w", err)
	}
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

func (c *CBORCodec) ContentType() string {
	return ContentTypeCBOR
}
