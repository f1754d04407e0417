package flv

import (
	"bytes"
	"fmt"

	"github.com/yutopp/go-amf0"
)

const onMetaData = "onMetaData"

// Metadata is the property map of an onMetaData script tag. AMF0 numbers
// decode as float64.
type Metadata map[string]any

// Float returns a numeric property.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// String returns a string property.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// EncodeScriptData encodes an onMetaData script tag body: the AMF0 string
// "onMetaData" followed by an ECMA array of the properties.
func EncodeScriptData(m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode(onMetaData); err != nil {
		return nil, fmt.Errorf("encode script name: %w", err)
	}
	arr := amf0.ECMAArray{}
	for k, v := range m {
		arr[k] = v
	}
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("encode %s: %w", onMetaData, err)
	}
	return buf.Bytes(), nil
}

// DecodeScriptData decodes a script tag body. It returns the handler name
// and, for onMetaData (and its @setDataFrame wrapper), the properties.
func DecodeScriptData(body []byte) (string, Metadata, error) {
	dec := amf0.NewDecoder(bytes.NewReader(body))
	var name string
	if err := dec.Decode(&name); err != nil {
		return "", nil, fmt.Errorf("%w: script name: %w", ErrMalformed, err)
	}
	if name == "@setDataFrame" {
		if err := dec.Decode(&name); err != nil {
			return "", nil, fmt.Errorf("%w: script name: %w", ErrMalformed, err)
		}
	}
	if name != onMetaData {
		return name, nil, nil
	}
	var v any
	if err := dec.Decode(&v); err != nil {
		return name, nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
	}
	switch props := v.(type) {
	case amf0.ECMAArray:
		return name, Metadata(props), nil
	case map[string]any:
		return name, Metadata(props), nil
	}
	return name, nil, fmt.Errorf("%w: %s value is %T", ErrMalformed, name, v)
}
