package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype the peer service is served with.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec carries messages as JSON. Numbers inside row images decode as
// json.Number so integers keep their exact value.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}
