package core

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
)

type Kind uint8

const (
	KindUnsupported Kind = iota
	KindString
	KindBool
	KindInt
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindObject:
		return "object"
	default:
		return "unsupported"
	}
}

// Value is a flag value as served by the authority. The zero Value is
// unsupported.
//
// Decoding never fails: anything that is not a string, a bool, an integral
// number or an object decodes to an unsupported value, which encodes back as
// JSON null.
type Value struct {
	kind Kind
	str  string
	b    bool
	i    int64
	obj  map[string]Value
}

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }

// ObjectValue copies m; later changes to m are not visible through the Value.
func ObjectValue(m map[string]Value) Value {
	obj := make(map[string]Value, len(m))
	maps.Copy(obj, m)
	return Value{kind: KindObject, obj: obj}
}

func UnsupportedValue() Value { return Value{} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	out := make(map[string]Value, len(v.obj))
	maps.Copy(out, v.obj)
	return out, true
}

// Equal reports whether v and other hold the same kind and payload, comparing
// objects member by member.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindObject:
		if len(v.obj) != len(other.obj) {
			return false
		}
		for key, member := range v.obj {
			otherMember, ok := other.obj[key]
			if !ok || !member.Equal(otherMember) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	*v = decodeValue(data)
	return nil
}

func decodeValue(raw []byte) Value {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}
	}

	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}
		}
		return StringValue(s)
	case c == 't' || c == 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}
		}
		return BoolValue(b)
	case c == '{':
		var members map[string]json.RawMessage
		if err := json.Unmarshal(raw, &members); err != nil {
			return Value{}
		}
		obj := make(map[string]Value, len(members))
		for key, member := range members {
			obj[key] = decodeValue(member)
		}
		return Value{kind: KindObject, obj: obj}
	case c == '-' || (c >= '0' && c <= '9'):
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Value{}
		}
		return IntValue(n)
	default:
		return Value{}
	}
}
