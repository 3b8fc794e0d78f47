/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package config implements the Value/Dictionary/Configuration data model:
// a typed, self-describing, binary-serialisable data carrier and the
// case-insensitive, usage-tracked configuration store built on top of it.
package config

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/constraints"
)

// Kind identifies which variant a Value currently holds.
type Kind uint8

// Value kinds. A homogeneous array kind always pairs with its scalar kind
// (e.g. KindIntArray holds only int64 elements).
const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindDict
	KindBoolArray
	KindIntArray
	KindFloatArray
	KindStringArray
	KindTimeArray
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int64"
	case KindFloat:
		return "double"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindDict:
		return "dictionary"
	case KindBoolArray:
		return "[]bool"
	case KindIntArray:
		return "[]int64"
	case KindFloatArray:
		return "[]double"
	case KindStringArray:
		return "[]string"
	case KindTimeArray:
		return "[]time"
	default:
		return "unknown"
	}
}

// timeLayout is the canonical textual rendering of a time point.
const timeLayout = "2006-01-02 15:04:05.000000"

// Value is a tagged union over nothing, bool, int64, double, string, a
// system-clock time point, and homogeneous arrays of the preceding scalar
// kinds, plus a nested Dictionary. It is the unit of exchange for tags,
// configuration entries, metrics and command payloads.
type Value struct {
	kind Kind

	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	dict *Dictionary

	boolArr   []bool
	intArr    []int64
	floatArr  []float64
	stringArr []string
	timeArr   []time.Time
}

// Nil returns the nothing-value.
func Nil() Value { return Value{kind: KindNil} }

// Bool constructs a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int constructs a signed 64-bit integer Value from any integer type that
// fits the 64-bit range; construction from narrower integer types is
// permitted as long as it fits.
func Int[T constraints.Integer](v T) Value {
	return Value{kind: KindInt, i: int64(v)}
}

// Float constructs a double Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String constructs a string Value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Enum constructs a string Value from an enumerator name: enumerations are
// carried as their name, not their ordinal.
func Enum(name fmt.Stringer) Value { return Value{kind: KindString, s: name.String()} }

// Time constructs a system-clock time point Value.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// Dict constructs a Value wrapping a nested Dictionary.
func Dict(d *Dictionary) Value { return Value{kind: KindDict, dict: d} }

// BoolArray constructs a homogeneous bool array Value. A nil slice and an
// empty, non-nil slice are both preserved distinct from KindNil.
func BoolArray(v []bool) Value { return Value{kind: KindBoolArray, boolArr: v} }

// IntArray constructs a homogeneous int64 array Value.
func IntArray(v []int64) Value { return Value{kind: KindIntArray, intArr: v} }

// FloatArray constructs a homogeneous double array Value.
func FloatArray(v []float64) Value { return Value{kind: KindFloatArray, floatArr: v} }

// StringArray constructs a homogeneous string array Value.
func StringArray(v []string) Value { return Value{kind: KindStringArray, stringArr: v} }

// TimeArray constructs a homogeneous time point array Value.
func TimeArray(v []time.Time) Value { return Value{kind: KindTimeArray, timeArr: v} }

// Kind reports which variant v currently holds.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v holds the nothing-variant.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Equal reports whether v and other hold the same kind and value,
// recursing into nested dictionaries and comparing arrays element-wise.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindTime:
		return v.t.Equal(other.t)
	case KindDict:
		return v.dict.Equal(other.dict)
	case KindBoolArray:
		return equalSlice(v.boolArr, other.boolArr)
	case KindIntArray:
		return equalSlice(v.intArr, other.intArr)
	case KindFloatArray:
		return equalSlice(v.floatArr, other.floatArr)
	case KindStringArray:
		return equalSlice(v.stringArr, other.stringArr)
	case KindTimeArray:
		if len(v.timeArr) != len(other.timeArr) {
			return false
		}
		for i := range v.timeArr {
			if !v.timeArr[i].Equal(other.timeArr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func equalSlice[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders v as text; time points use the canonical
// "YYYY-MM-DD HH:MM:SS.ffffff" layout.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindTime:
		return v.t.UTC().Format(timeLayout)
	case KindDict:
		return v.dict.String()
	case KindBoolArray:
		return fmt.Sprintf("%v", v.boolArr)
	case KindIntArray:
		return fmt.Sprintf("%v", v.intArr)
	case KindFloatArray:
		return fmt.Sprintf("%v", v.floatArr)
	case KindStringArray:
		return fmt.Sprintf("%v", v.stringArr)
	case KindTimeArray:
		rendered := make([]string, len(v.timeArr))
		for i, t := range v.timeArr {
			rendered[i] = t.UTC().Format(timeLayout)
		}
		return fmt.Sprintf("%v", rendered)
	default:
		return "<unknown>"
	}
}

// errKind builds the diagnostic used when a typed accessor does not match
// the held Kind.
func errKind(want Kind, v Value) error {
	return fmt.Errorf("value holds %s, not %s", v.kind, want)
}

// Raw returns every underlying scalar field plus the active array slice
// (nil for non-array kinds), regardless of which kind v holds; it does not
// check the kind.
func (v Value) Raw() (bool, int64, float64, string, time.Time, *Dictionary, any) {
	return v.b, v.i, v.f, v.s, v.t, v.dict, v.arrayAny()
}

func (v Value) arrayAny() any {
	switch v.kind {
	case KindBoolArray:
		return v.boolArr
	case KindIntArray:
		return v.intArr
	case KindFloatArray:
		return v.floatArr
	case KindStringArray:
		return v.stringArr
	case KindTimeArray:
		return v.timeArr
	default:
		return nil
	}
}

// AsBool returns the held boolean.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, errKind(KindBool, v)
	}
	return v.b, nil
}

// AsInt64 returns the held 64-bit integer.
func (v Value) AsInt64() (int64, error) {
	if v.kind != KindInt {
		return 0, errKind(KindInt, v)
	}
	return v.i, nil
}

// AsFloat64 returns the held double.
func (v Value) AsFloat64() (float64, error) {
	if v.kind != KindFloat {
		return 0, errKind(KindFloat, v)
	}
	return v.f, nil
}

// AsString returns the held string.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", errKind(KindString, v)
	}
	return v.s, nil
}

// AsTime returns the held time point.
func (v Value) AsTime() (time.Time, error) {
	if v.kind != KindTime {
		return time.Time{}, errKind(KindTime, v)
	}
	return v.t, nil
}

// AsDict returns the held nested Dictionary.
func (v Value) AsDict() (*Dictionary, error) {
	if v.kind != KindDict {
		return nil, errKind(KindDict, v)
	}
	return v.dict, nil
}

// AsIntArray returns the held []int64.
func (v Value) AsIntArray() ([]int64, error) {
	if v.kind != KindIntArray {
		return nil, errKind(KindIntArray, v)
	}
	return v.intArr, nil
}

// AsFloatArray returns the held []float64.
func (v Value) AsFloatArray() ([]float64, error) {
	if v.kind != KindFloatArray {
		return nil, errKind(KindFloatArray, v)
	}
	return v.floatArr, nil
}

// AsStringArray returns the held []string.
func (v Value) AsStringArray() ([]string, error) {
	if v.kind != KindStringArray {
		return nil, errKind(KindStringArray, v)
	}
	return v.stringArr, nil
}

// AsBoolArray returns the held []bool.
func (v Value) AsBoolArray() ([]bool, error) {
	if v.kind != KindBoolArray {
		return nil, errKind(KindBoolArray, v)
	}
	return v.boolArr, nil
}

// AsTimeArray returns the held []time.Time.
func (v Value) AsTimeArray() ([]time.Time, error) {
	if v.kind != KindTimeArray {
		return nil, errKind(KindTimeArray, v)
	}
	return v.timeArr, nil
}

// NarrowInt range-checks and narrows the held int64 into T, failing when the
// magnitude exceeds what T can represent.
func NarrowInt[T constraints.Integer](v Value) (T, error) {
	raw, err := v.AsInt64()
	if err != nil {
		return 0, err
	}
	narrowed := T(raw)
	if int64(narrowed) != raw {
		return 0, fmt.Errorf("value %d out of range for requested integer type", raw)
	}
	return narrowed, nil
}

// wire is the on-the-wire shape of a Value: a two-element msgpack array of
// [kind, payload]. Keeping the kind explicit (rather than relying on
// msgpack's own type tags) is what lets decode() distinguish nil from an
// empty array and preserve array homogeneity.
type wire struct {
	Kind    Kind
	Payload msgpack.RawMessage
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNil:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt64(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindTime:
		return enc.EncodeTime(v.t)
	case KindDict:
		return enc.Encode(v.dict)
	case KindBoolArray:
		return enc.Encode(v.boolArr)
	case KindIntArray:
		return enc.Encode(v.intArr)
	case KindFloatArray:
		return enc.Encode(v.floatArr)
	case KindStringArray:
		return enc.Encode(v.stringArr)
	case KindTimeArray:
		return enc.Encode(v.timeArr)
	default:
		return fmt.Errorf("cannot encode value of kind %s", v.kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("malformed value: expected 2-element wire tuple, got %d", n)
	}
	kindRaw, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	kind := Kind(kindRaw)
	switch kind {
	case KindNil:
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		*v = Nil()
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		*v = Bool(b)
	case KindInt:
		i, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		*v = Int(i)
	case KindFloat:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		*v = Float(f)
	case KindString:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*v = String(s)
	case KindTime:
		t, err := dec.DecodeTime()
		if err != nil {
			return err
		}
		*v = Time(t)
	case KindDict:
		d := NewDictionary()
		if err := dec.Decode(d); err != nil {
			return err
		}
		*v = Dict(d)
	case KindBoolArray:
		var arr []bool
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		*v = BoolArray(arr)
	case KindIntArray:
		var arr []int64
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		*v = IntArray(arr)
	case KindFloatArray:
		var arr []float64
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		*v = FloatArray(arr)
	case KindStringArray:
		var arr []string
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		*v = StringArray(arr)
	case KindTimeArray:
		var arr []time.Time
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		*v = TimeArray(arr)
	default:
		return fmt.Errorf("malformed value: unknown kind tag %d", kindRaw)
	}
	return nil
}
