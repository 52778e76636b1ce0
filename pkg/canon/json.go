// Copyright 2025 Knowledgecore Project

package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// MarshalCanonical encodes v as canonical JSON: object keys sorted by
// raw byte order, no insignificant whitespace, and numbers restricted
// to integers. Any float32/float64 value anywhere in the tree fails
// with KC_CANON_JSON_FLOAT_FORBIDDEN — checked by Go kind,
// not by numeric value, so an integral-valued float (e.g. 3.0) is
// still forbidden, since it is syntactically a float.
//
// v is first scanned by reflection for any float kind, then marshaled
// with the standard library and re-decoded with json.Number so the
// canonicalizer can walk a plain value tree.
func MarshalCanonical(v any) ([]byte, error) {
	if err := rejectFloats(reflect.ValueOf(v)); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeCanonJSONFloatForbidden, kcerr.CategoryStorage,
			"failed to marshal value for canonicalization", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeCanonJSONFloatForbidden, kcerr.CategoryStorage,
			"failed to decode value for canonicalization", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rejectFloats walks v by reflection and fails as soon as it finds any
// float32/float64 value, regardless of whether the value happens to be
// integral.
func rejectFloats(rv reflect.Value) error {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return kcerr.New(kcerr.CodeCanonJSONFloatForbidden, kcerr.CategoryStorage,
			"floating point numbers are forbidden in canonical JSON")
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return rejectFloats(rv.Elem())
	case reflect.Map:
		for _, key := range rv.MapKeys() {
			if err := rejectFloats(rv.MapIndex(key)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := rejectFloats(rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			if err := rejectFloats(rv.Field(i)); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		encodeCanonicalString(buf, t)
		return nil
	case json.Number:
		return encodeCanonicalNumber(buf, t)
	case map[string]any:
		return encodeCanonicalObject(buf, t)
	case []any:
		return encodeCanonicalArray(buf, t)
	default:
		return kcerr.New(kcerr.CodeCanonJSONFloatForbidden, kcerr.CategoryStorage,
			fmt.Sprintf("unsupported canonical JSON value type %T", v))
	}
}

func encodeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	// Integral iff it parses as int64 with no fractional/exponent part.
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	return kcerr.New(kcerr.CodeCanonJSONFloatForbidden, kcerr.CategoryStorage,
		fmt.Sprintf("non-integer number %q is forbidden in canonical JSON", n.String()))
}

func encodeCanonicalString(buf *bytes.Buffer, s string) {
	// encoding/json's Marshal already produces the standard escaping
	// rules; reuse it for a single string value.
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func encodeCanonicalObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // lexicographic raw byte order for ASCII keys
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeCanonicalString(buf, k)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeCanonicalArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// HashCanonical canonicalizes v then returns its BLAKE3 hash, prefixed.
func HashCanonical(v any) (string, []byte, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", nil, err
	}
	return Blake3HexPrefixed(b), b, nil
}
