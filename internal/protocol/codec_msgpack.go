package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := writeMsgpack(enc, m, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	m, err := readMsgpack(msgpack.NewDecoder(r), 0)
	if err != nil {
		return nil, Malformed(err)
	}
	if r.Len() != 0 {
		return nil, Malformed(errors.New("trailing data"))
	}
	return m, nil
}

func (m *Message) EncodeMsgpack(enc *msgpack.Encoder) error { return writeMsgpack(enc, m, 0) }

func (m *Message) DecodeMsgpack(dec *msgpack.Decoder) error {
	out, err := readMsgpack(dec, 0)
	if err != nil {
		return Malformed(err)
	}
	*m = *out
	return nil
}

// The envelope is a msgpack map {tag, attributes, children}; attributes are
// a nested map whose wire order is the attribute order.
func writeMsgpack(enc *msgpack.Encoder, m *Message, depth int) error {
	if m == nil {
		return errors.New("nil message")
	}
	if depth > MaxDepth {
		return fmt.Errorf("message nested deeper than %d", MaxDepth)
	}
	fields := 1
	if len(m.attrs) > 0 {
		fields++
	}
	if len(m.Children) > 0 {
		fields++
	}
	if err := enc.EncodeMapLen(fields); err != nil {
		return err
	}
	if err := enc.EncodeString("tag"); err != nil {
		return err
	}
	if err := enc.EncodeString(m.Tag); err != nil {
		return err
	}
	if len(m.attrs) > 0 {
		if err := enc.EncodeString("attributes"); err != nil {
			return err
		}
		if err := enc.EncodeMapLen(len(m.attrs)); err != nil {
			return err
		}
		for _, a := range m.attrs {
			if err := enc.EncodeString(a.Key); err != nil {
				return err
			}
			if err := enc.EncodeString(a.Value); err != nil {
				return err
			}
		}
	}
	if len(m.Children) > 0 {
		if err := enc.EncodeString("children"); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(len(m.Children)); err != nil {
			return err
		}
		for _, c := range m.Children {
			if err := writeMsgpack(enc, c, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func readMsgpack(dec *msgpack.Decoder, depth int) (*Message, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("message nested deeper than %d", MaxDepth)
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("nil envelope")
	}
	m := &Message{}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate field %q", key)
		}
		seen[key] = true
		switch key {
		case "tag":
			if m.Tag, err = dec.DecodeString(); err != nil {
				return nil, err
			}
		case "attributes":
			na, err := dec.DecodeMapLen()
			if err != nil {
				return nil, err
			}
			for j := 0; j < na; j++ {
				k, err := dec.DecodeString()
				if err != nil {
					return nil, err
				}
				v, err := dec.DecodeString()
				if err != nil {
					return nil, err
				}
				if m.Has(k) {
					return nil, fmt.Errorf("duplicate attribute %q", k)
				}
				m.attrs = append(m.attrs, Attr{Key: k, Value: v})
			}
		case "children":
			nc, err := dec.DecodeArrayLen()
			if err != nil {
				return nil, err
			}
			for j := 0; j < nc; j++ {
				c, err := readMsgpack(dec, depth+1)
				if err != nil {
					return nil, err
				}
				m.Children = append(m.Children, c)
			}
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}
	if m.Tag == "" {
		return nil, errors.New("missing tag")
	}
	return m, nil
}
