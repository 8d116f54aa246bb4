package wire

import (
	"fmt"
	"strings"
)

// Kind is the type tag of a field value.
type Kind uint8

// Field types defined by the HTSMSG binary format.
const (
	KindMap  Kind = 1
	KindS64  Kind = 2
	KindStr  Kind = 3
	KindBin  Kind = 4
	KindList Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindS64:
		return "s64"
	case KindStr:
		return "str"
	case KindBin:
		return "bin"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Well-known field names.
const (
	FieldMethod = "method"
	FieldSeq    = "seq"
)

// Value is a single field value.
type Value struct {
	kind Kind
	i    int64
	s    string
	b    []byte
	m    *Message
	l    []Value
}

// Int creates integer value.
func Int(v int64) Value {
	return Value{kind: KindS64, i: v}
}

// String creates string value.
func String(v string) Value {
	return Value{kind: KindStr, s: v}
}

// Bytes creates binary value.
func Bytes(v []byte) Value {
	return Value{kind: KindBin, b: append([]byte{}, v...)}
}

// Map creates nested message value.
func Map(m *Message) Value {
	if m == nil {
		m = &Message{}
	}
	return Value{kind: KindMap, m: m}
}

// List creates list value.
func List(items ...Value) Value {
	return Value{kind: KindList, l: append([]Value{}, items...)}
}

// Kind returns type of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Int returns integer content.
func (v Value) Int() (int64, bool) {
	return v.i, v.kind == KindS64
}

// Str returns string content.
func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindStr
}

// Bin returns binary content.
func (v Value) Bin() ([]byte, bool) {
	return v.b, v.kind == KindBin
}

// Map returns nested message.
func (v Value) Map() (*Message, bool) {
	return v.m, v.kind == KindMap
}

// List returns list items.
func (v Value) List() ([]Value, bool) {
	return v.l, v.kind == KindList
}

func (v Value) String() string {
	switch v.kind {
	case KindS64:
		return fmt.Sprintf("%d", v.i)
	case KindStr:
		return fmt.Sprintf("%q", v.s)
	case KindBin:
		return fmt.Sprintf("bin(%d)", len(v.b))
	case KindMap:
		return v.m.String()
	case KindList:
		items := make([]string, 0, len(v.l))
		for _, item := range v.l {
			items = append(items, item.String())
		}
		return "[" + strings.Join(items, ", ") + "]"
	default:
		return "<invalid>"
	}
}

// Field is a named value.
type Field struct {
	Name  string
	Value Value
}

// Message is the structured unit exchanged with the server.
// Fields keep insertion order so encoding is deterministic, lookups are by name.
type Message struct {
	fields []Field
}

// NewMessage creates message calling the method.
func NewMessage(method string) *Message {
	m := &Message{}
	if method != "" {
		m.SetMethod(method)
	}
	return m
}

// Fields returns fields of the message.
func (m *Message) Fields() []Field {
	return m.fields
}

// Len returns number of fields.
func (m *Message) Len() int {
	return len(m.fields)
}

// Set stores the value, replacing existing field of the same name.
func (m *Message) Set(name string, v Value) *Message {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields[i].Value = v
			return m
		}
	}
	m.fields = append(m.fields, Field{Name: name, Value: v})
	return m
}

// SetInt stores integer field.
func (m *Message) SetInt(name string, v int64) *Message {
	return m.Set(name, Int(v))
}

// SetStr stores string field.
func (m *Message) SetStr(name, v string) *Message {
	return m.Set(name, String(v))
}

// SetBin stores binary field.
func (m *Message) SetBin(name string, v []byte) *Message {
	return m.Set(name, Bytes(v))
}

// Delete removes the field.
func (m *Message) Delete(name string) {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields = append(m.fields[:i], m.fields[i+1:]...)
			return
		}
	}
}

// Get returns the field value.
func (m *Message) Get(name string) (Value, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Contains reports whether the field exists.
func (m *Message) Contains(name string) bool {
	_, exists := m.Get(name)
	return exists
}

// Int returns integer field.
func (m *Message) Int(name string) (int64, bool) {
	v, exists := m.Get(name)
	if !exists {
		return 0, false
	}
	return v.Int()
}

// IntOr returns integer field or the default if field is absent or of another kind.
func (m *Message) IntOr(name string, def int64) int64 {
	if v, ok := m.Int(name); ok {
		return v
	}
	return def
}

// Str returns string field.
func (m *Message) Str(name string) (string, bool) {
	v, exists := m.Get(name)
	if !exists {
		return "", false
	}
	return v.Str()
}

// Bin returns binary field.
func (m *Message) Bin(name string) ([]byte, bool) {
	v, exists := m.Get(name)
	if !exists {
		return nil, false
	}
	return v.Bin()
}

// Map returns nested message field.
func (m *Message) Map(name string) (*Message, bool) {
	v, exists := m.Get(name)
	if !exists {
		return nil, false
	}
	return v.Map()
}

// List returns list field.
func (m *Message) List(name string) ([]Value, bool) {
	v, exists := m.Get(name)
	if !exists {
		return nil, false
	}
	return v.List()
}

// Messages returns map-typed members of the list field.
func (m *Message) Messages(name string) []*Message {
	items, _ := m.List(name)
	msgs := make([]*Message, 0, len(items))
	for _, item := range items {
		if msg, ok := item.Map(); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// Method returns name of the called method or pushed event.
func (m *Message) Method() string {
	method, _ := m.Str(FieldMethod)
	return method
}

// SetMethod sets the method field.
func (m *Message) SetMethod(method string) *Message {
	return m.SetStr(FieldMethod, method)
}

// Seq returns correlation number. Messages without it are push events.
func (m *Message) Seq() (int32, bool) {
	seq, ok := m.Int(FieldSeq)
	return int32(seq), ok
}

// SetSeq stamps correlation number.
func (m *Message) SetSeq(seq int32) *Message {
	return m.SetInt(FieldSeq, int64(seq))
}

func (m *Message) String() string {
	if m == nil {
		return "{}"
	}
	parts := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		parts = append(parts, f.Name+": "+f.Value.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ResponseError returns the reason carried by a failed response, if any.
// Servers report failures with "error" or "noaccess" fields instead of transport errors.
func ResponseError(m *Message) (string, bool) {
	if reason, ok := m.Str("error"); ok {
		return reason, true
	}
	if m.IntOr("noaccess", 0) == 1 {
		return "access denied", true
	}
	return "", false
}
