package protocol

import (
	"errors"
	"testing"
)

func TestMessage_SetKeepsPositionAndUniqueness(t *testing.T) {
	m := NewMessage("t", "a", "1", "b", "2", "a", "3")
	attrs := m.Attrs()
	if len(attrs) != 2 || attrs[0] != (Attr{"a", "3"}) || attrs[1] != (Attr{"b", "2"}) {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
	m.Del("a")
	if m.Has("a") || m.NumAttrs() != 1 {
		t.Fatalf("delete failed: %+v", m.Attrs())
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := NewMessage("t", "a", "1").Add(NewMessage("c", "k", "v"))
	c := m.Clone()
	c.Set("a", "2")
	c.Children[0].Set("k", "w")
	if m.Attr("a") != "1" || m.Children[0].Attr("k") != "v" {
		t.Fatalf("clone shares state with original")
	}
	if m.Equal(c) {
		t.Fatalf("expected clone to differ after edits")
	}
}

func TestMessage_RequireReportsAllMissing(t *testing.T) {
	m := NewMessage(TagBuildColony, AttrName, "")
	if err := m.Require(AttrName); err != nil {
		t.Fatalf("empty value must count as present: %v", err)
	}
	err := m.Require(AttrName, AttrUnit, AttrColony)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if got := ReasonOf(err); got != "buildColony: missing unit,colony" {
		t.Fatalf("reason=%q", got)
	}
}

func TestMessage_TypedAccessors(t *testing.T) {
	m := NewMessage("t").SetBool("b", true).SetInt("n", 42).Set("bad", "x")
	if !m.Bool("b") || m.Bool("missing") {
		t.Fatalf("bool accessor")
	}
	if m.Int("n", 0) != 42 || m.Int("bad", -1) != -1 || m.Int("missing", 7) != 7 {
		t.Fatalf("int accessor")
	}
}
