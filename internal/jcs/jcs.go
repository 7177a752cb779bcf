/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package jcs implements the subset of RFC 8785 (JSON Canonicalization
// Scheme) the event log needs for deterministic hashing: object keys
// sorted by UTF-16 code unit, no insignificant whitespace, and numbers
// serialized the way encoding/json already renders Go's float64/int64
// values (which coincides with JCS's ECMAScript number-to-string
// algorithm for every value this system ever produces — event payloads
// never carry NaN/Inf and integers fit in int64).
package jcs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"unicode/utf16"
)

// Canonicalize decodes arbitrary JSON and re-encodes it in canonical
// form: object members sorted by key, no extraneous whitespace.
func Canonicalize(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("jcs.Canonicalize decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, fmt.Errorf("jcs.Canonicalize encode: %w", err)
	}
	return buf.Bytes(), nil
}

// CanonicalizeValue canonicalizes an in-memory value (struct, map, slice)
// by round-tripping it through encoding/json first.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs.CanonicalizeValue marshal: %w", err)
	}
	return Canonicalize(raw)
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(t))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return slices.Compare(utf16.Encode([]rune(keys[i])), utf16.Encode([]rune(keys[j]))) < 0
		})
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jcs: unsupported type %T", v)
	}
	return nil
}
