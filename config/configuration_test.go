/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigurationUsedKeysTracking(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.AddKey("a", Int(1)))
	require.NoError(t, d.AddKey("b", String("x")))
	c := New(d)

	require.ElementsMatch(t, []string{"a", "b"}, c.UnusedKeys())

	_, err := c.GetString("b")
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a"}, c.UnusedKeys())
	require.ElementsMatch(t, []string{"b"}, c.UsedKeys())
}

func TestConfigurationDefaultGetterMarksUsed(t *testing.T) {
	c := New(NewDictionary())
	v, err := GetIntDefault[int](c, "missing", 42)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Contains(t, c.UsedKeys(), "missing")
}

func TestConfigurationOptionalGetter(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.AddKey("present", Bool(true)))
	c := New(d)

	_, ok := c.GetOptional("absent")
	require.False(t, ok)

	v, ok := c.GetOptional("present")
	require.True(t, ok)
	b, err := v.AsBool()
	require.NoError(t, err)
	require.True(t, b)
}

func TestConfigurationRangeCheckedInt(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.AddKey("big", Int(int64(1)<<40)))
	c := New(d)

	_, err := GetInt[int32](c, "big")
	require.Error(t, err)
}

func TestConfigurationTypePreservingUpdate(t *testing.T) {
	base := NewDictionary()
	require.NoError(t, base.AddKey("a", Int(1)))
	require.NoError(t, base.AddKey("b", FloatArray([]float64{1.0})))
	c := New(base)

	patch := NewDictionary()
	require.NoError(t, patch.AddKey("a", Int(5)))
	p := New(patch)

	require.NoError(t, c.Update(p))
	v, err := c.GetInt64Unmarked("a")
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
}

// GetInt64Unmarked is a tiny test helper avoiding use-tracking interference.
func (c *Configuration) GetInt64Unmarked(key string) (int64, error) {
	v, ok := c.dict.Get(key)
	if !ok {
		return 0, errKind(KindInt, Value{})
	}
	return v.AsInt64()
}

func TestConfigurationUpdateRejectsTypeChange(t *testing.T) {
	base := NewDictionary()
	require.NoError(t, base.AddKey("a", Int(1)))
	c := New(base)

	patch := NewDictionary()
	require.NoError(t, patch.AddKey("a", String("oops")))
	p := New(patch)

	err := c.Update(p)
	require.Error(t, err)
}

func TestConfigurationUpdateRejectsUnknownKey(t *testing.T) {
	c := New(NewDictionary())
	patch := NewDictionary()
	require.NoError(t, patch.AddKey("new", Int(1)))
	p := New(patch)

	err := c.Update(p)
	require.Error(t, err)
}

func TestConfigurationUserVsInternalRendering(t *testing.T) {
	d := NewDictionary()
	require.NoError(t, d.AddKey("a", Int(1)))
	require.NoError(t, d.AddKey("b", FloatArray([]float64{1.5, 2.5})))
	require.NoError(t, d.AddKey("_c", Bool(true)))
	c := New(d)

	user := c.String(GroupUser)
	require.Contains(t, user, "a:")
	require.Contains(t, user, "b:")
	require.NotContains(t, user, "_c:")

	internal := c.String(GroupInternal)
	require.Contains(t, internal, "_c:")
	require.NotContains(t, internal, "a:")
}

func TestConfigurationSection(t *testing.T) {
	inner := NewDictionary()
	require.NoError(t, inner.AddKey("x", Int(1)))
	outer := NewDictionary()
	require.NoError(t, outer.AddKey("inner", Dict(inner)))
	c := New(outer)

	sec, err := c.Section("inner")
	require.NoError(t, err)
	v, err := sec.GetString("missing")
	require.Error(t, err)
	_ = v
	x, err := GetInt[int](sec, "x")
	require.NoError(t, err)
	require.Equal(t, 1, x)
}
