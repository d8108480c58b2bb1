// Package changes collects the observable effects of one request and renders
// them per recipient.
package changes

import (
	"slices"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/world"
)

type Kind uint8

const (
	Add Kind = iota + 1
	Update
	Remove
	Other
)

func (k Kind) Tag() string {
	switch k {
	case Add:
		return protocol.TagAdd
	case Update:
		return protocol.TagUpdate
	case Remove:
		return protocol.TagRemove
	}
	return protocol.TagOther
}

func (k Kind) String() string { return k.Tag() }

// Record is one observable effect of a mutation.
type Record struct {
	Kind Kind
	// Owner is the scope owner; "" makes the record public.
	Owner string
	// Ref names the affected object. Where optionally names the tile the
	// effect happened on, so observers of that tile see it even after Ref
	// stopped resolving.
	Ref   string
	Where string

	Payload *protocol.Message
	// Private lists payload attributes and child tags shown only to
	// Entitled.
	Private  []string
	Entitled string
}

// Notice is a side-channel message delivered outside the changes message.
// An empty To addresses every connected player.
type Notice struct {
	To      string
	Message *protocol.Message
}

type ChangeSet struct {
	Records []Record
	Notices []Notice
}

func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Records) == 0 && len(cs.Notices) == 0)
}

// Build freezes records, in order, into a change set.
func Build(records []Record, notices ...Notice) *ChangeSet {
	return &ChangeSet{Records: slices.Clone(records), Notices: slices.Clone(notices)}
}

// Visibility is the world's visibility predicate.
type Visibility interface {
	IsVisibleTo(ref, player string) bool
}

func (r *Record) visibleTo(recipient string, vis Visibility) bool {
	switch {
	case r.Owner == "" || r.Owner == recipient:
		return true
	case vis == nil:
		return false
	case r.Ref != "" && vis.IsVisibleTo(r.Ref, recipient):
		return true
	case r.Where != "" && vis.IsVisibleTo(r.Where, recipient):
		return true
	}
	return false
}

func (r *Record) render(recipient string) *protocol.Message {
	out := protocol.NewMessage(r.Kind.Tag())
	if r.Payload == nil {
		return out
	}
	p := r.Payload.Clone()
	if len(r.Private) > 0 && recipient != r.Entitled {
		for _, key := range r.Private {
			p.Del(key)
		}
		kept := p.Children[:0]
		for _, c := range p.Children {
			if !slices.Contains(r.Private, c.Tag) {
				kept = append(kept, c)
			}
		}
		p.Children = kept
	}
	return out.Add(p)
}

// RenderFor produces the changes message recipient may observe, preserving
// record order. It returns nil when no record is visible.
func RenderFor(cs *ChangeSet, recipient string, vis Visibility) *protocol.Message {
	if cs == nil {
		return nil
	}
	var out *protocol.Message
	for i := range cs.Records {
		r := &cs.Records[i]
		if !r.visibleTo(recipient, vis) {
			continue
		}
		if out == nil {
			out = protocol.NewMessage(protocol.TagChanges)
		}
		out.Add(r.render(recipient))
	}
	return out
}

// NoticesFor returns the notices addressed to recipient, in order.
func NoticesFor(cs *ChangeSet, recipient string) []*protocol.Message {
	if cs == nil {
		return nil
	}
	var out []*protocol.Message
	for _, n := range cs.Notices {
		if n.To == "" || n.To == recipient {
			out = append(out, n.Message)
		}
	}
	return out
}

// Builder accumulates records while a mutator runs.
type Builder struct {
	records []Record
	notices []Notice
}

func (b *Builder) Len() int { return len(b.records) }

func (b *Builder) Append(records ...Record) *Builder {
	b.records = append(b.records, records...)
	return b
}

// Add records a newly visible object, scoped to its owner.
func (b *Builder) Add(obj world.Object) *Builder { return b.Append(ForObject(Add, obj)) }

// Update records the new state of obj, scoped to its owner.
func (b *Builder) Update(obj world.Object) *Builder { return b.Append(ForObject(Update, obj)) }

// Remove records the disappearance of obj, scoped to its owner. When seen
// is set, observers of the object's tile are told as well.
func (b *Builder) Remove(obj world.Object, seen bool) *Builder {
	r := Record{
		Kind:    Remove,
		Owner:   obj.OwnerID(),
		Ref:     obj.ObjectID(),
		Payload: Ref(obj),
	}
	if pos, ok := world.Position(obj); ok && seen {
		r.Where = pos.Ref()
	}
	return b.Append(r)
}

// Other records a non-object effect. owner "" broadcasts it.
func (b *Builder) Other(owner string, payload *protocol.Message) *Builder {
	return b.Append(Record{Kind: Other, Owner: owner, Payload: payload, Entitled: owner})
}

func (b *Builder) Notice(to string, m *protocol.Message) *Builder {
	b.notices = append(b.notices, Notice{To: to, Message: m})
	return b
}

func (b *Builder) Build() *ChangeSet { return Build(b.records, b.notices...) }

// ForObject describes obj as a record of kind scoped to, and fully visible
// to, its owner.
func ForObject(kind Kind, obj world.Object) Record {
	payload, private := Describe(obj)
	return Record{
		Kind:     kind,
		Owner:    obj.OwnerID(),
		Ref:      obj.ObjectID(),
		Payload:  payload,
		Private:  private,
		Entitled: obj.OwnerID(),
	}
}
