// Package codec replaces the default Kratos "json" codec so that inventory
// strings such as "GmbH & Co. KG" are written verbatim instead of as
// & escapes. Import it for side effects.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/go-kratos/kratos/v2/encoding"
	// Registered first so the init below overrides it.
	_ "github.com/go-kratos/kratos/v2/encoding/json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

var (
	marshalOpts = protojson.MarshalOptions{
		EmitUnpopulated: true,
	}
	unmarshalOpts = protojson.UnmarshalOptions{
		DiscardUnknown: true,
	}
)

type jsonCodec struct{}

// Marshal encodes proto messages (Kratos errors) with protojson and
// everything else with encoding/json, HTML escaping disabled.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return marshalOpts.Marshal(msg)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return unmarshalOpts.Unmarshal(data, msg)
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return Name }
