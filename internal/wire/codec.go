package wire

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype this package's codec registers
// under. Real deployments of this writer would generate ClientMessage/
// ServerMessage from a .proto file and ride the default protobuf codec;
// without a protoc toolchain available, this package instead registers
// a small encoding/gob codec under its own subtype so the stream still
// exercises genuine google.golang.org/grpc transport, status, and retry
// machinery end to end.
const CodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return CodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
