/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Dictionary is an ordered mapping from string key to Value. Keys are
// stored lower-cased; inserting a key that differs from an existing one
// only in case is an error (AddKey.Error below) — keys are case
// insensitive.
type Dictionary struct {
	values map[string]Value
	cased  map[string]string
	order  []string
}

// NewDictionary constructs an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{values: make(map[string]Value), cased: make(map[string]string)}
}

// AddKey inserts key with the given value, lower-casing key. It returns an
// error if a key differing only in case has already been inserted.
func (d *Dictionary) AddKey(key string, v Value) error {
	lc := strings.ToLower(key)
	if d.cased == nil {
		d.cased = make(map[string]string)
	}
	if original, exists := d.cased[lc]; exists {
		if original != key {
			return fmt.Errorf("key %q already defined with different case", key)
		}
		// Re-insertion of the identically-cased key overwrites in place
		// without affecting insertion order.
		d.values[lc] = v
		return nil
	}
	d.values[lc] = v
	d.cased[lc] = key
	d.order = append(d.order, lc)
	return nil
}

// Set is a panic-free convenience wrapper around AddKey for callers that
// constructed the key themselves and know it cannot collide.
func (d *Dictionary) Set(key string, v Value) {
	_ = d.AddKey(key, v)
}

// Get returns the value stored under key (case-insensitively) and whether
// it was present.
func (d *Dictionary) Get(key string) (Value, bool) {
	v, ok := d.values[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is present.
func (d *Dictionary) Has(key string) bool {
	_, ok := d.values[strings.ToLower(key)]
	return ok
}

// Delete removes key, if present.
func (d *Dictionary) Delete(key string) {
	lc := strings.ToLower(key)
	if _, ok := d.values[lc]; !ok {
		return
	}
	delete(d.values, lc)
	delete(d.cased, lc)
	for i, k := range d.order {
		if k == lc {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (d *Dictionary) Keys() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len reports the number of top-level keys.
func (d *Dictionary) Len() int { return len(d.order) }

// Equal reports recursive, order-independent equality between two
// dictionaries.
func (d *Dictionary) Equal(other *Dictionary) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.values) != len(other.values) {
		return false
	}
	for k, v := range d.values {
		ov, ok := other.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// String renders the dictionary as a formatted, multi-line, deterministic
// (sorted by key) listing of "key: value" lines.
func (d *Dictionary) String() string {
	keys := make([]string, len(d.order))
	copy(keys, d.order)
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, d.values[k].String())
	}
	return sb.String()
}

// Flatten returns a single-level view of the dictionary where nested
// dictionary keys are joined with '.'.
func (d *Dictionary) Flatten() map[string]Value {
	out := make(map[string]Value)
	d.flattenInto("", out)
	return out
}

func (d *Dictionary) flattenInto(prefix string, out map[string]Value) {
	for _, k := range d.order {
		v := d.values[k]
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if v.Kind() == KindDict {
			v.dict.flattenInto(full, out)
			continue
		}
		out[full] = v
	}
}

// Clone returns a deep copy of d.
func (d *Dictionary) Clone() *Dictionary {
	out := NewDictionary()
	for _, k := range d.order {
		v := d.values[k]
		if v.Kind() == KindDict {
			v = Dict(v.dict.Clone())
		}
		out.Set(k, v)
	}
	return out
}

// EncodeMsgpack implements msgpack.CustomEncoder, preserving insertion
// order on the wire.
func (d *Dictionary) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(d.order)); err != nil {
		return err
	}
	for _, k := range d.order {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(d.values[k]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (d *Dictionary) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if d.values == nil {
		d.values = make(map[string]Value, n)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		var v Value
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if err := d.AddKey(key, v); err != nil {
			return err
		}
	}
	return nil
}
