// Package serialization provides the payload codecs used on the wire.
//
// Two codecs are available:
//   - JSON: encoding/json, human readable, the default
//   - Msgpack: MessagePack via github.com/vmihailenco/msgpack/v5, compact binary
//
// A codec encodes both the request payload and the envelope that carries it, so
// both ends of a route must agree on the codec.
package serialization

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes payloads and envelopes
type Codec interface {
	// Name returns the configuration name of the codec
	Name() string

	// ContentType returns the MIME type of encoded data
	ContentType() string

	// Marshal encodes v
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal decodes data into v
	Unmarshal(data []byte, v interface{}) error
}

// JSON is the encoding/json codec
type JSON struct{}

// Name implements Codec
func (JSON) Name() string { return "json" }

// ContentType implements Codec
func (JSON) ContentType() string { return "application/json" }

// Marshal implements Codec
func (JSON) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSON) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}

// Msgpack is the MessagePack codec
type Msgpack struct{}

// Name implements Codec
func (Msgpack) Name() string { return "msgpack" }

// ContentType implements Codec
func (Msgpack) ContentType() string { return "application/msgpack" }

// Marshal implements Codec
func (Msgpack) Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (Msgpack) Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return nil
}

var codecs = map[string]Codec{
	JSON{}.Name():    JSON{},
	Msgpack{}.Name(): Msgpack{},
}

// Lookup returns the codec registered under name. An empty name selects JSON.
func Lookup(name string) (Codec, error) {
	if name == "" {
		return JSON{}, nil
	}
	codec, ok := codecs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q: must be one of %v", name, Names())
	}
	return codec, nil
}

// Names lists the registered codec names
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
