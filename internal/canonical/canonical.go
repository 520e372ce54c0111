// Package canonical implements the deterministic byte encoding that every
// hash and MAC in the ledger is computed over.
//
// The format is compact JSON with object keys sorted by code point, raw UTF-8
// strings and fixed numeric formatting. It is byte-compatible with records
// produced by sorted-key compact JSON encoders that emit non-ASCII text
// verbatim, so ledgers written before this service existed still verify.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxDepth bounds the nesting of maps and sequences.
const MaxDepth = 64

// ErrNotRepresentable is the root cause of every encoding failure.
var ErrNotRepresentable = errors.New("value has no canonical representation")

// EncodingError reports the JSON path of the value that could not be encoded.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("canonical encoding at %s: %s", e.Path, e.Reason)
}

// Unwrap lets callers match on ErrNotRepresentable.
func (e *EncodingError) Unwrap() error { return ErrNotRepresentable }

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	e := &encoder{seen: make(map[uintptr]struct{})}
	if err := e.encode(v, "$", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Decode parses a canonical document into a map, keeping numbers as
// json.Number so that Marshal(Decode(b)) reproduces b for canonical input.
func Decode(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	return out, nil
}

type encoder struct {
	buf  bytes.Buffer
	seen map[uintptr]struct{}
}

func fail(path, format string, args ...any) error {
	return &EncodingError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (e *encoder) encode(v any, path string, depth int) error {
	if depth > MaxDepth {
		return fail(path, "nesting deeper than %d", MaxDepth)
	}

	switch val := v.(type) {
	case nil:
		e.buf.WriteString("null")
		return nil
	case bool:
		if val {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil
	case string:
		return e.writeString(val, path)
	case json.Number:
		return e.writeNumber(val, path)
	case float64:
		return e.writeFloat(val, path)
	case float32:
		return e.writeFloat(float64(val), path)
	case int:
		e.buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		e.buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case map[string]any:
		return e.writeObject(reflect.ValueOf(val), path, depth)
	case []any:
		return e.writeArray(reflect.ValueOf(val), path, depth)
	}

	// Everything else goes through reflection: sized integers, typed maps
	// and slices, and named types built on them.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return e.writeFloat(rv.Float(), path)
	case reflect.String:
		return e.writeString(rv.String(), path)
	case reflect.Bool:
		return e.encode(rv.Bool(), path, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fail(path, "map key type %s is not a string", rv.Type().Key())
		}
		return e.writeObject(rv, path, depth)
	case reflect.Slice, reflect.Array:
		return e.writeArray(rv, path, depth)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.encode(rv.Elem().Interface(), path, depth)
	}
	return fail(path, "unsupported type %T", v)
}

// enter records a reference-typed container on the current path and reports
// whether it is already being encoded further up (a cycle).
func (e *encoder) enter(rv reflect.Value) (uintptr, bool) {
	if rv.Kind() != reflect.Map && rv.Kind() != reflect.Slice {
		return 0, true
	}
	if rv.IsNil() {
		return 0, true
	}
	ptr := rv.Pointer()
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return 0, true
	}
	if _, dup := e.seen[ptr]; dup {
		return ptr, false
	}
	e.seen[ptr] = struct{}{}
	return ptr, true
}

func (e *encoder) leave(ptr uintptr) {
	if ptr != 0 {
		delete(e.seen, ptr)
	}
}

func (e *encoder) writeObject(rv reflect.Value, path string, depth int) error {
	if rv.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	ptr, ok := e.enter(rv)
	if !ok {
		return fail(path, "cyclic structure")
	}
	defer e.leave(ptr)

	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		child := path + "." + k
		if err := e.writeString(k, child); err != nil {
			return err
		}
		e.buf.WriteByte(':')
		val := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
		if err := e.encode(val.Interface(), child, depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) writeArray(rv reflect.Value, path string, depth int) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		e.buf.WriteString("null")
		return nil
	}
	ptr, ok := e.enter(rv)
	if !ok {
		return fail(path, "cyclic structure")
	}
	defer e.leave(ptr)

	e.buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.encode(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

func (e *encoder) writeString(s, path string) error {
	if !utf8.ValidString(s) {
		return fail(path, "invalid UTF-8")
	}
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[c>>4])
				e.buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			e.buf.WriteByte(c)
		}
	}
	e.buf.WriteByte('"')
	return nil
}

func (e *encoder) writeNumber(n json.Number, path string) error {
	s := string(n)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		e.buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if isIntegerLiteral(s) {
		// Integers wider than 64 bits keep their digits, minus any leading '+'.
		e.buf.WriteString(strings.TrimPrefix(s, "+"))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fail(path, "malformed number %q", s)
	}
	return e.writeFloat(f, path)
}

func isIntegerLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (e *encoder) writeFloat(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fail(path, "non-finite number %v", f)
	}
	e.buf.WriteString(FormatFloat(f))
	return nil
}

// FormatFloat renders f using the shortest digits that round-trip, in fixed
// notation when the decimal exponent lies in [-4, 16) and in scientific
// notation otherwise. Fixed output always carries a fractional part.
func FormatFloat(f float64) string {
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	// 'e' with precision -1 yields d.ddddde±XX with the shortest digits.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expStr, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expStr)

	neg := strings.HasPrefix(mant, "-")
	mant = strings.TrimPrefix(mant, "-")
	digits := strings.Replace(mant, ".", "", 1)

	var out strings.Builder
	if neg {
		out.WriteByte('-')
	}

	if exp < -4 || exp >= 16 {
		out.WriteByte(digits[0])
		if len(digits) > 1 {
			out.WriteByte('.')
			out.WriteString(digits[1:])
		}
		out.WriteByte('e')
		if exp < 0 {
			out.WriteByte('-')
			exp = -exp
		} else {
			out.WriteByte('+')
		}
		if exp < 10 {
			out.WriteByte('0')
		}
		out.WriteString(strconv.Itoa(exp))
		return out.String()
	}

	switch {
	case exp < 0:
		out.WriteString("0.")
		out.WriteString(strings.Repeat("0", -exp-1))
		out.WriteString(digits)
	case exp+1 >= len(digits):
		out.WriteString(digits)
		out.WriteString(strings.Repeat("0", exp+1-len(digits)))
		out.WriteString(".0")
	default:
		out.WriteString(digits[:exp+1])
		out.WriteByte('.')
		out.WriteString(digits[exp+1:])
	}
	return out.String()
}
