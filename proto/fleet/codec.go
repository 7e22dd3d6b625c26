// ABOUTME: CBOR codec registered with gRPC under the "cbor" content-subtype
// ABOUTME: All fleet services are served and called with this codec instead of protobuf

package fleet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by every fleet service.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fleet: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so older servers accept newer agents.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("fleet: CBOR decoder initialization failed: " + err.Error())
	}

	encoding.RegisterCodec(Codec{})
}

// Codec implements encoding.Codec over CBOR.
type Codec struct{}

// Marshal encodes v using core deterministic encoding.
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fleet: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fleet: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name returns the content-subtype.
func (Codec) Name() string {
	return CodecName
}

// CallOptions prefixes opts with the content-subtype selecting the CBOR codec.
func CallOptions(opts ...grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// DialOptions returns the dial options every fleet client needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}
