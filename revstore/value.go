package revstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Value is any value that can be stored in a junction.
//
// Valid value types:
// - string
// - int64
// - float64
// - bool
// - time.Time
// - []byte
// - Keyword
// - Ref (reference to another atom)
type Value interface{}

// ValueType tags the encoded form of a value
type ValueType byte

const (
	TypeString ValueType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeBytes
	TypeKeyword
	TypeRef
)

// Type returns the type tag of a value
func Type(v Value) (ValueType, error) {
	switch v.(type) {
	case string:
		return TypeString, nil
	case int64:
		return TypeInt, nil
	case int:
		return TypeInt, nil
	case float64:
		return TypeFloat, nil
	case bool:
		return TypeBool, nil
	case time.Time:
		return TypeTime, nil
	case []byte:
		return TypeBytes, nil
	case Keyword:
		return TypeKeyword, nil
	case Ref:
		return TypeRef, nil
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}

// Normalize converts convenience types (int) to their canonical form
func Normalize(v Value) Value {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

// ValueBytes serializes a value without its type tag
func ValueBytes(v Value) ([]byte, error) {
	switch val := Normalize(v).(type) {
	case string:
		return []byte(val), nil
	case int64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(val))
		return buf, nil
	case float64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(val))
		return buf, nil
	case bool:
		if val {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case time.Time:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(val.UnixNano()))
		return buf, nil
	case []byte:
		return val, nil
	case Keyword:
		return val.Bytes(), nil
	case Ref:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(val))
		return buf, nil
	}
	return nil, fmt.Errorf("cannot encode value type %T", v)
}

// ValueFromBytes deserializes a value from bytes
func ValueFromBytes(vType ValueType, data []byte) (Value, error) {
	switch vType {
	case TypeString:
		return string(data), nil
	case TypeInt:
		if len(data) != 8 {
			return nil, fmt.Errorf("int value must be 8 bytes, got %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case TypeFloat:
		if len(data) != 8 {
			return nil, fmt.Errorf("float value must be 8 bytes, got %d", len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case TypeBool:
		if len(data) != 1 {
			return nil, fmt.Errorf("bool value must be 1 byte, got %d", len(data))
		}
		return data[0] != 0, nil
	case TypeTime:
		if len(data) != 8 {
			return nil, fmt.Errorf("time value must be 8 bytes, got %d", len(data))
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(data))), nil
	case TypeBytes:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case TypeKeyword:
		return NewKeyword(string(data)), nil
	case TypeRef:
		if len(data) != 8 {
			return nil, fmt.Errorf("ref value must be 8 bytes, got %d", len(data))
		}
		return Ref(binary.BigEndian.Uint64(data)), nil
	}
	return nil, fmt.Errorf("unknown value type: %v", vType)
}

// ValuesEqual compares two values by type and content
func ValuesEqual(a, b Value) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return a == b
}

// FormatValue renders a value for keys and diagnostics. The rendering is
// type-prefixed so that values of different types never collide.
func FormatValue(v Value) string {
	switch val := Normalize(v).(type) {
	case string:
		return fmt.Sprintf("s:%q", val)
	case int64:
		return fmt.Sprintf("i:%d", val)
	case float64:
		return fmt.Sprintf("f:%g", val)
	case bool:
		return fmt.Sprintf("b:%t", val)
	case time.Time:
		return fmt.Sprintf("t:%d", val.UnixNano())
	case []byte:
		return fmt.Sprintf("x:%x", val)
	case Keyword:
		return "k:" + val.String()
	case Ref:
		return fmt.Sprintf("r:%d", uint64(val))
	case nil:
		return "nil"
	}
	return fmt.Sprintf("?:%v", v)
}
