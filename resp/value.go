package resp

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies the RESP type a Value was decoded from.
type Kind uint8

const (
	Nil     Kind = iota // null bulk string or null array
	Status              // +simple string
	Bulk                // $bulk string
	Integer             // :integer
	Array               // *array
	Error               // -error (only seen by the connection layer)
)

func (k Kind) String() string {
	switch k {
	case Nil:
		return "nil"
	case Status:
		return "status"
	case Bulk:
		return "bulk"
	case Integer:
		return "integer"
	case Array:
		return "array"
	case Error:
		return "error"
	}
	return "unknown"
}

var ErrType = errors.New("resp: unexpected value kind")

// Value is one decoded reply. Str carries Status/Bulk/Error text, Int carries
// Integer replies and Elems carries Array members.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Elems []Value
}

func NilValue() Value              { return Value{Kind: Nil} }
func StatusValue(s string) Value   { return Value{Kind: Status, Str: s} }
func BulkValue(s string) Value     { return Value{Kind: Bulk, Str: s} }
func IntValue(n int64) Value       { return Value{Kind: Integer, Int: n} }
func ArrayValue(vs ...Value) Value { return Value{Kind: Array, Elems: vs} }

func (v Value) IsNil() bool { return v.Kind == Nil }

// String renders the value the way redis-cli would print a scalar. Arrays are
// rendered as a bracketed, space separated list.
func (v Value) String() string {
	switch v.Kind {
	case Nil:
		return "(nil)"
	case Status, Bulk, Error:
		return v.Str
	case Integer:
		return strconv.FormatInt(v.Int, 10)
	case Array:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return ""
}

// Int64 returns the integer payload. Bulk strings holding a decimal number are
// accepted as well since several commands answer numbers as bulk strings.
func (v Value) Int64() (int64, error) {
	switch v.Kind {
	case Integer:
		return v.Int, nil
	case Bulk, Status:
		return strconv.ParseInt(v.Str, 10, 64)
	}
	return 0, ErrType
}

// Strings flattens an array of scalars. Nil members become empty strings.
func (v Value) Strings() ([]string, error) {
	if v.Kind == Nil {
		return nil, nil
	}
	if v.Kind != Array {
		return nil, ErrType
	}
	out := make([]string, len(v.Elems))
	for i, e := range v.Elems {
		switch e.Kind {
		case Nil:
		case Integer:
			out[i] = strconv.FormatInt(e.Int, 10)
		case Status, Bulk:
			out[i] = e.Str
		default:
			return nil, ErrType
		}
	}
	return out, nil
}

// ReplyError is an error reply sent by the server. It rejects a single call
// and never affects the connection that carried it.
type ReplyError struct {
	Msg string
}

func (e *ReplyError) Error() string { return e.Msg }

// Prefix returns the leading error code, e.g. "NOSCRIPT" or "WRONGTYPE".
func (e *ReplyError) Prefix() string {
	if i := strings.IndexByte(e.Msg, ' '); i > 0 {
		return e.Msg[:i]
	}
	return e.Msg
}
