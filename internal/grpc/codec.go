package grpc

import (
	"fmt"

	"github.com/oriys/quasar/internal/frame"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of every quasar call. Clients select it
// per call; servers resolve it from the request content type.
const CodecName = "quasar-frame"

// codec carries frame.Message values in the protobuf wire format.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(frame.Message)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", CodecName, v)
	}
	return m.MarshalWire()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(frame.Message)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalWire(data)
}

func (codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(codec{})
}
