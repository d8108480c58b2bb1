package protocol

import (
	"strconv"
	"strings"
)

// Attr is a single scalar field of a Message.
type Attr struct {
	Key   string
	Value string
}

// Message is the envelope every protocol message shares: a tag, an ordered
// set of unique string attributes and ordered nested children.
//
// An absent attribute and an attribute holding "" are different things; use
// Get or Has when the distinction matters.
type Message struct {
	Tag      string
	Children []*Message

	attrs []Attr
}

// NewMessage builds a message from alternating key/value pairs. A repeated
// key overwrites the earlier value in place.
func NewMessage(tag string, kv ...string) *Message {
	m := &Message{Tag: tag}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

func (m *Message) index(key string) int {
	for i, a := range m.attrs {
		if a.Key == key {
			return i
		}
	}
	return -1
}

func (m *Message) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if i := m.index(key); i >= 0 {
		return m.attrs[i].Value, true
	}
	return "", false
}

// Attr returns the value of key, or "" when it is absent.
func (m *Message) Attr(key string) string {
	v, _ := m.Get(key)
	return v
}

func (m *Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Bool parses a boolean attribute; absent or unparsable values yield false.
func (m *Message) Bool(key string) bool {
	b, err := strconv.ParseBool(m.Attr(key))
	return err == nil && b
}

// Int parses an integer attribute, returning def when absent or unparsable.
func (m *Message) Int(key string, def int) int {
	v, ok := m.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set assigns key, keeping its original position when it already exists.
func (m *Message) Set(key, value string) *Message {
	if i := m.index(key); i >= 0 {
		m.attrs[i].Value = value
		return m
	}
	m.attrs = append(m.attrs, Attr{Key: key, Value: value})
	return m
}

func (m *Message) SetBool(key string, v bool) *Message {
	return m.Set(key, strconv.FormatBool(v))
}

func (m *Message) SetInt(key string, v int) *Message {
	return m.Set(key, strconv.Itoa(v))
}

func (m *Message) Del(key string) *Message {
	if i := m.index(key); i >= 0 {
		m.attrs = append(m.attrs[:i], m.attrs[i+1:]...)
	}
	return m
}

// Attrs returns a copy of the attributes in order.
func (m *Message) Attrs() []Attr {
	if m == nil || len(m.attrs) == 0 {
		return nil
	}
	out := make([]Attr, len(m.attrs))
	copy(out, m.attrs)
	return out
}

func (m *Message) NumAttrs() int { return len(m.attrs) }

func (m *Message) Add(children ...*Message) *Message {
	for _, c := range children {
		if c != nil {
			m.Children = append(m.Children, c)
		}
	}
	return m
}

// Child returns the first child with the given tag.
func (m *Message) Child(tag string) *Message {
	if m == nil {
		return nil
	}
	for _, c := range m.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// Require fails with an IncompleteMessage error naming every absent key.
func (m *Message) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if !m.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	tag := ""
	if m != nil {
		tag = m.Tag
	}
	return Reject(CodeIncomplete, "%s: missing %s", tag, strings.Join(missing, ","))
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Tag: m.Tag}
	if len(m.attrs) > 0 {
		out.attrs = make([]Attr, len(m.attrs))
		copy(out.attrs, m.attrs)
	}
	if len(m.Children) > 0 {
		out.Children = make([]*Message, len(m.Children))
		for i, c := range m.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Equal reports structural equality: same tag, same attributes in the same
// order and equal children.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Tag != o.Tag || len(m.attrs) != len(o.attrs) || len(m.Children) != len(o.Children) {
		return false
	}
	for i := range m.attrs {
		if m.attrs[i] != o.attrs[i] {
			return false
		}
	}
	for i := range m.Children {
		if !m.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	b, err := JSON.Encode(m)
	if err != nil {
		return "<" + m.Tag + ">"
	}
	return string(b)
}
