package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxDepth bounds child nesting accepted on decode.
const MaxDepth = 32

// Codec turns messages into wire bytes and back. Decode failures are always
// classified as CodeMalformed.
type Codec interface {
	Name() string
	Encode(m *Message) ([]byte, error)
	Decode(b []byte) (*Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// CodecByName resolves a codec negotiated at handshake; "" means JSON.
func CodecByName(name string) (Codec, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, true
	case "msgpack":
		return MsgPack, true
	}
	return nil, false
}

func Encode(m *Message) ([]byte, error) { return JSON.Encode(m) }
func Decode(b []byte) (*Message, error) { return JSON.Decode(b) }

//go:embed envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "https://colonysync.local/schemas/envelope.schema.json"

var (
	envelopeOnce   sync.Once
	envelopeSchema *jsonschema.Schema
	envelopeErr    error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
			envelopeErr = err
			return
		}
		envelopeSchema, envelopeErr = c.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeErr
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, m, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (jsonCodec) Decode(b []byte) (*Message, error) {
	var shape any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&shape); err != nil {
		return nil, Malformed(err)
	}
	if dec.More() {
		return nil, Malformed(errors.New("trailing data"))
	}
	s, err := compiledEnvelopeSchema()
	if err != nil {
		return nil, &Error{Code: CodeInternal, Reason: "envelope schema", Err: err}
	}
	if err := s.Validate(shape); err != nil {
		return nil, Malformed(err)
	}

	// The schema pass loses attribute order and duplicate keys, so the
	// structure is read again from the token stream.
	m, err := readJSON(json.NewDecoder(bytes.NewReader(b)), 0)
	if err != nil {
		return nil, Malformed(err)
	}
	return m, nil
}

func (m *Message) MarshalJSON() ([]byte, error) { return JSON.Encode(m) }

func (m *Message) UnmarshalJSON(b []byte) error {
	out, err := readJSON(json.NewDecoder(bytes.NewReader(b)), 0)
	if err != nil {
		return Malformed(err)
	}
	*m = *out
	return nil
}

// ErrInvalidUTF8 is returned by the JSON codec for strings it cannot carry
// unchanged.
var ErrInvalidUTF8 = errors.New("protocol: string is not valid UTF-8")

func writeJSONString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidUTF8, s)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func writeJSON(buf *bytes.Buffer, m *Message, depth int) error {
	if m == nil {
		return errors.New("nil message")
	}
	if depth > MaxDepth {
		return fmt.Errorf("message nested deeper than %d", MaxDepth)
	}
	buf.WriteString(`{"tag":`)
	if err := writeJSONString(buf, m.Tag); err != nil {
		return err
	}
	if len(m.attrs) > 0 {
		buf.WriteString(`,"attributes":{`)
		for i, a := range m.attrs {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, a.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeJSONString(buf, a.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	if len(m.Children) > 0 {
		buf.WriteString(`,"children":[`)
		for i, c := range m.Children {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, c, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func readString(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %v", tok)
	}
	return s, nil
}

func readJSON(dec *json.Decoder, depth int) (*Message, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("message nested deeper than %d", MaxDepth)
	}
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	m := &Message{}
	seen := map[string]bool{}
	for dec.More() {
		key, err := readString(dec)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate field %q", key)
		}
		seen[key] = true
		switch key {
		case "tag":
			if m.Tag, err = readString(dec); err != nil {
				return nil, err
			}
		case "attributes":
			if err := expectDelim(dec, '{'); err != nil {
				return nil, err
			}
			for dec.More() {
				k, err := readString(dec)
				if err != nil {
					return nil, err
				}
				v, err := readString(dec)
				if err != nil {
					return nil, err
				}
				if m.Has(k) {
					return nil, fmt.Errorf("duplicate attribute %q", k)
				}
				m.attrs = append(m.attrs, Attr{Key: k, Value: v})
			}
			if err := expectDelim(dec, '}'); err != nil {
				return nil, err
			}
		case "children":
			if err := expectDelim(dec, '['); err != nil {
				return nil, err
			}
			for dec.More() {
				c, err := readJSON(dec, depth+1)
				if err != nil {
					return nil, err
				}
				m.Children = append(m.Children, c)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if m.Tag == "" {
		return nil, errors.New("missing tag")
	}
	return m, nil
}
