package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind enumerates the scalar types a table cell may hold.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindDecimal
	KindBoolean
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBoolean:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ErrUnsupportedValue is returned when a cell is a JSON array or object.
var ErrUnsupportedValue = errors.New("unsupported cell value")

// Value is a single table cell. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

// Row maps column names to cell values.
type Row map[string]Value

// NullValue returns the null cell.
func NullValue() Value { return Value{} }

// StringValue returns a string cell.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntegerValue returns an integer cell.
func IntegerValue(i int64) Value { return Value{kind: KindInteger, i: i} }

// DecimalValue returns a decimal cell.
func DecimalValue(f float64) Value { return Value{kind: KindDecimal, f: f} }

// BooleanValue returns a boolean cell.
func BooleanValue(b bool) Value { return Value{kind: KindBoolean, b: b} }

// TimestampValue returns a timestamp cell encoded as RFC 3339.
func TimestampValue(t time.Time) Value {
	return Value{kind: KindTimestamp, t: t, str: t.Format(time.RFC3339Nano)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string for string cells.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Int returns the integer for integer cells.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInteger }

// Float returns the number for decimal and integer cells.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindDecimal:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// Bool returns the flag for boolean cells.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBoolean }

// Time returns the instant for timestamp cells.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTimestamp }

// String renders the value for display and filtering.
func (v Value) String() string {
	switch v.kind {
	case KindString, KindTimestamp:
		return v.str
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes the cell as a JSON scalar. Timestamps keep the text
// they were decoded from.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString, KindTimestamp:
		return json.Marshal(v.str)
	case KindInteger:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindDecimal:
		return json.Marshal(v.f)
	case KindBoolean:
		return strconv.AppendBool(nil, v.b), nil
	default:
		return nil, fmt.Errorf("marshal cell: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes a JSON scalar. Whole numbers become integers, other
// numbers decimals, and RFC 3339 strings timestamps.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case nil:
		*v = Value{}
	case bool:
		*v = BooleanValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = IntegerValue(i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("decode number %q: %w", t.String(), err)
		}
		*v = DecimalValue(f)
	case string:
		*v = parseString(t)
	case json.Delim:
		return fmt.Errorf("%w: %s", ErrUnsupportedValue, t)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, tok)
	}
	return nil
}

func parseString(s string) Value {
	// Cheap shape check before attempting a full parse.
	if len(s) >= len("2006-01-02T15:04:05Z") && s[4] == '-' && s[10] == 'T' {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return Value{kind: KindTimestamp, t: ts, str: s}
		}
	}
	return StringValue(s)
}
