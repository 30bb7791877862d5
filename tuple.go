package docstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Component type tags. Their numeric order defines the ordering between
// components of different types.
const (
	tagNil    byte = 0x05
	tagFalse  byte = 0x10
	tagTrue   byte = 0x11
	tagInt    byte = 0x20
	tagFloat  byte = 0x28
	tagTime   byte = 0x30
	tagString byte = 0x40
	tagBytes  byte = 0x48
)

const signBit = uint64(1) << 63

// Tuple is the canonical form of a composite key: one scalar component per
// key attribute, partition attributes first, then sort attributes. A Tuple
// can be used directly as a key by callers that don't declare a key type.
type Tuple []any

func (tup Tuple) Equal(other Tuple) bool {
	return tup.Compare(other) == 0
}

// Compare orders tuples lexicographically, component by component. The
// comparison is defined via the binary encoding, so it is exactly the
// ordering every backend reproduces.
func (tup Tuple) Compare(other Tuple) int {
	return bytes.Compare(encodeTuple(nil, tup), encodeTuple(nil, other))
}

func (tup Tuple) String() string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, c := range tup {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%v", c)
	}
	buf.WriteByte(')')
	return buf.String()
}

// normalizeScalar maps a scalar of any concrete type onto its canonical
// component representation (int64, float64, string, []byte, bool,
// time.Time or nil). Returns false for non-scalar values.
func normalizeScalar(v any) (any, bool) {
	switch v := v.(type) {
	case nil:
		return nil, true
	case bool:
		return v, true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		return v, true
	case []byte:
		return v, true
	case float64:
		return v, true
	case time.Time:
		return v, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes(), true
		}
	case reflect.Struct:
		if t, ok := v.(time.Time); ok {
			return t, true
		}
	}
	return nil, false
}

func isScalar(v any) bool {
	_, ok := normalizeScalar(v)
	return ok && v != nil
}

func encodeTuple(buf []byte, tup Tuple) []byte {
	for _, c := range tup {
		buf = encodeComponent(buf, c)
	}
	return buf
}

func encodeComponent(buf []byte, v any) []byte {
	c, ok := normalizeScalar(v)
	if !ok {
		panic(fmt.Errorf("docstore: cannot use %T as a key component", v))
	}
	switch c := c.(type) {
	case nil:
		return append(buf, tagNil)
	case bool:
		if c {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case int64:
		buf = append(buf, tagInt)
		return appendUint64(buf, uint64(c)^signBit)
	case float64:
		bits := math.Float64bits(c)
		if bits&signBit != 0 {
			bits = ^bits
		} else {
			bits |= signBit
		}
		buf = append(buf, tagFloat)
		return appendUint64(buf, bits)
	case time.Time:
		buf = append(buf, tagTime)
		return appendUint64(buf, uint64(c.UnixNano())^signBit)
	case string:
		buf = append(buf, tagString)
		return appendEscaped(buf, []byte(c))
	case []byte:
		buf = append(buf, tagBytes)
		return appendEscaped(buf, c)
	default:
		panic("unreachable")
	}
}

// appendEscaped writes data with 0x00 escaped as 0x00 0x01, then the
// 0x00 0x00 terminator. The result preserves byte order and is prefix-free.
func appendEscaped(buf []byte, data []byte) []byte {
	for _, b := range data {
		if b == 0x00 {
			buf = append(buf, 0x00, 0x01)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00, 0x00)
}

func decodeTuple(raw []byte) (Tuple, error) {
	var tup Tuple
	for len(raw) > 0 {
		c, rest, err := decodeComponent(raw)
		if err != nil {
			return nil, err
		}
		tup = append(tup, c)
		raw = rest
	}
	return tup, nil
}

func decodeComponent(raw []byte) (any, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, dataErrf(raw, nil, "empty key component")
	}
	tag, rest := raw[0], raw[1:]
	switch tag {
	case tagNil:
		return nil, rest, nil
	case tagFalse:
		return false, rest, nil
	case tagTrue:
		return true, rest, nil
	case tagInt, tagTime:
		if len(rest) < 8 {
			return nil, nil, dataErrf(raw, nil, "truncated key component")
		}
		v := int64(binary.BigEndian.Uint64(rest) ^ signBit)
		if tag == tagTime {
			return time.Unix(0, v).UTC(), rest[8:], nil
		}
		return v, rest[8:], nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, nil, dataErrf(raw, nil, "truncated key component")
		}
		bits := binary.BigEndian.Uint64(rest)
		if bits&signBit != 0 {
			bits &^= signBit
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), rest[8:], nil
	case tagString, tagBytes:
		data, rest, err := unescape(rest)
		if err != nil {
			return nil, nil, err
		}
		if tag == tagString {
			return string(data), rest, nil
		}
		return data, rest, nil
	default:
		return nil, nil, dataErrf(raw, nil, "unknown key component tag 0x%02x", tag)
	}
}

func unescape(raw []byte) (data, rest []byte, err error) {
	data = []byte{}
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != 0x00 {
			data = append(data, b)
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case 0x00:
			return data, raw[i+2:], nil
		case 0x01:
			data = append(data, 0x00)
			i++
		default:
			return nil, nil, dataErrf(raw, nil, "invalid escape 0x00 0x%02x", raw[i+1])
		}
	}
	return nil, nil, dataErrf(raw, nil, "unterminated key component")
}
