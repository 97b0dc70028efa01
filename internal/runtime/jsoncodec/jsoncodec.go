// Package jsoncodec is the single JSON implementation used on the wire. It is
// backed by sonic in std-compatible mode so encoding/json struct tags and
// json.RawMessage keep their usual meaning.
package jsoncodec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

var null = []byte("null")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Raw encodes v as a message body. A nil value yields a nil RawMessage so the
// body field is left off the wire entirely. RawMessage values pass through.
func Raw(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	}
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, null) {
		return nil, nil
	}
	return data, nil
}

// IsNull reports whether data carries no value: empty or the JSON literal null.
func IsNull(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}
