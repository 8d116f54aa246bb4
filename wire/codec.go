package wire

import (
	"encoding/binary"
	"math"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length.
	LengthPrefixSize = 4

	fieldHeaderSize = 6
	maxNameLength   = math.MaxUint8
)

// Encode encodes message into a self-contained frame: length prefix followed by the field set.
func Encode(m *Message) ([]byte, error) {
	size, err := fieldSetSize(m)
	if err != nil {
		return nil, err
	}
	if size > math.MaxUint32 {
		return nil, NewProtocolError("message of %d bytes exceeds frame limit", size)
	}

	buf := make([]byte, LengthPrefixSize, LengthPrefixSize+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	return appendFieldSet(buf, m), nil
}

// Decode decodes a frame produced by Encode.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < LengthPrefixSize {
		return nil, NewProtocolError("frame of %d bytes is shorter than length prefix", len(frame))
	}
	length := binary.BigEndian.Uint32(frame)
	if uint64(length) != uint64(len(frame)-LengthPrefixSize) {
		return nil, NewProtocolError("frame declares %d bytes but carries %d", length, len(frame)-LengthPrefixSize)
	}
	return DecodeFieldSet(frame[LengthPrefixSize:])
}

// FrameLength returns payload length declared by the length prefix.
func FrameLength(prefix []byte) uint32 {
	return binary.BigEndian.Uint32(prefix)
}

// DecodeFieldSet decodes field set without length prefix.
func DecodeFieldSet(payload []byte) (*Message, error) {
	m := &Message{}
	for len(payload) > 0 {
		name, v, rest, err := decodeField(payload)
		if err != nil {
			return nil, err
		}
		m.fields = append(m.fields, Field{Name: name, Value: v})
		payload = rest
	}
	return m, nil
}

func decodeField(buf []byte) (string, Value, []byte, error) {
	if len(buf) < fieldHeaderSize {
		return "", Value{}, nil, NewProtocolError("truncated field header: %d bytes", len(buf))
	}
	kind := Kind(buf[0])
	nameLen := int(buf[1])
	dataLen := uint64(binary.BigEndian.Uint32(buf[2:6]))
	buf = buf[fieldHeaderSize:]

	if uint64(len(buf)) < uint64(nameLen)+dataLen {
		return "", Value{}, nil, NewProtocolError("truncated field: need %d bytes, have %d",
			uint64(nameLen)+dataLen, len(buf))
	}
	name := string(buf[:nameLen])
	data := buf[nameLen : uint64(nameLen)+dataLen]
	rest := buf[uint64(nameLen)+dataLen:]

	switch kind {
	case KindS64:
		if len(data) > 8 {
			return "", Value{}, nil, NewProtocolError("integer field %q has %d bytes", name, len(data))
		}
		var u uint64
		for i := len(data) - 1; i >= 0; i-- {
			u = u<<8 | uint64(data[i])
		}
		return name, Int(int64(u)), rest, nil
	case KindStr:
		return name, String(string(data)), rest, nil
	case KindBin:
		return name, Bytes(data), rest, nil
	case KindMap:
		nested, err := DecodeFieldSet(data)
		if err != nil {
			return "", Value{}, nil, err
		}
		return name, Map(nested), rest, nil
	case KindList:
		nested, err := DecodeFieldSet(data)
		if err != nil {
			return "", Value{}, nil, err
		}
		items := make([]Value, 0, len(nested.fields))
		for _, f := range nested.fields {
			items = append(items, f.Value)
		}
		return name, Value{kind: KindList, l: items}, rest, nil
	default:
		return "", Value{}, nil, NewProtocolError("unknown type %d of field %q", kind, name)
	}
}

func fieldSetSize(m *Message) (uint64, error) {
	var size uint64
	for _, f := range m.fields {
		if len(f.Name) > maxNameLength {
			return 0, NewProtocolError("field name %q is longer than %d bytes", f.Name, maxNameLength)
		}
		dataSize, err := valueSize(f.Value)
		if err != nil {
			return 0, err
		}
		size += fieldHeaderSize + uint64(len(f.Name)) + dataSize
	}
	return size, nil
}

func valueSize(v Value) (uint64, error) {
	var size uint64
	switch v.kind {
	case KindS64:
		size = uint64(s64Size(v.i))
	case KindStr:
		size = uint64(len(v.s))
	case KindBin:
		size = uint64(len(v.b))
	case KindMap:
		return fieldSetSize(v.m)
	case KindList:
		for _, item := range v.l {
			itemSize, err := valueSize(item)
			if err != nil {
				return 0, err
			}
			size += fieldHeaderSize + itemSize
		}
	default:
		return 0, NewProtocolError("value of unknown type %d", v.kind)
	}
	if size > math.MaxUint32 {
		return 0, NewProtocolError("field of %d bytes exceeds limit", size)
	}
	return size, nil
}

func s64Size(v int64) int {
	u := uint64(v)
	n := 0
	for u != 0 {
		n++
		u >>= 8
	}
	return n
}

func appendFieldSet(buf []byte, m *Message) []byte {
	for _, f := range m.fields {
		buf = appendField(buf, f.Name, f.Value)
	}
	return buf
}

// appendField relies on sizes validated by fieldSetSize.
func appendField(buf []byte, name string, v Value) []byte {
	dataSize, _ := valueSize(v)

	buf = append(buf, byte(v.kind), byte(len(name)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, name...)

	switch v.kind {
	case KindS64:
		u := uint64(v.i)
		for u != 0 {
			buf = append(buf, byte(u))
			u >>= 8
		}
	case KindStr:
		buf = append(buf, v.s...)
	case KindBin:
		buf = append(buf, v.b...)
	case KindMap:
		buf = appendFieldSet(buf, v.m)
	case KindList:
		for _, item := range v.l {
			buf = appendField(buf, "", item)
		}
	}
	return buf
}
