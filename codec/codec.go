// Package codec encodes wire messages into message bodies.
//
// The codec used for a request travels with the message as its content type, so a
// handler always answers in the encoding the caller chose.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
	ContentType() string
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return &CBORCodec{}
	}

	return &JSONCodec{}
}

// ForContentType picks the codec for a message's content type. An empty content
// type is treated as JSON, which is what untyped publishers send.
func ForContentType(contentType string) (Codec, error) {
	switch contentType {
	case "", ContentTypeJSON:
		return &JSONCodec{}, nil
	case ContentTypeCBOR:
		return &CBORCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported content type %q", contentType)
}

// ParseType maps a configuration name ("json", "cbor") to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}
