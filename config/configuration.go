/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Group selects which subset of keys to_string/Render should include.
type Group int

// Configuration groups for rendering: USER keys are plain, INTERNAL keys
// are underscore-prefixed.
const (
	GroupAll Group = iota
	GroupUser
	GroupInternal
)

// Configuration annotates a Dictionary with a used-keys set: reading a key
// through a typed getter marks it used, and an end-of-lifecycle sweep
// reports everything that was never read.
type Configuration struct {
	mu   sync.Mutex
	dict *Dictionary
	used map[string]struct{}
}

// New wraps dict (or a fresh empty Dictionary if nil) into a Configuration.
func New(dict *Dictionary) *Configuration {
	if dict == nil {
		dict = NewDictionary()
	}
	return &Configuration{dict: dict, used: make(map[string]struct{})}
}

// markUsed records key (lower-cased) as having been read.
func (c *Configuration) markUsed(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used[strings.ToLower(key)] = struct{}{}
}

// Has reports whether key is present, without marking it used.
func (c *Configuration) Has(key string) bool { return c.dict.Has(key) }

// Dictionary returns the underlying Dictionary. Callers must not mutate it
// concurrently with Configuration accessors.
func (c *Configuration) Dictionary() *Dictionary { return c.dict }

// Get returns the raw value for key, marking it used.
func (c *Configuration) Get(key string) (Value, error) {
	v, ok := c.dict.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("key %q does not exist", key)
	}
	c.markUsed(key)
	return v, nil
}

// GetDefault returns the raw value for key if present (marking it used), or
// inserts and returns def otherwise (also marking it used, since the
// default is considered consumed on behalf of the caller).
func (c *Configuration) GetDefault(key string, def Value) Value {
	if v, ok := c.dict.Get(key); ok {
		c.markUsed(key)
		return v
	}
	c.dict.Set(key, def)
	c.markUsed(key)
	return def
}

// GetOptional returns the value for key and true if present (marking it
// used), or the zero Value and false otherwise.
func (c *Configuration) GetOptional(key string) (Value, bool) {
	v, ok := c.dict.Get(key)
	if ok {
		c.markUsed(key)
	}
	return v, ok
}

// GetString returns key as a string.
func (c *Configuration) GetString(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	return v.AsString()
}

// GetBool returns key as a bool.
func (c *Configuration) GetBool(key string) (bool, error) {
	v, err := c.Get(key)
	if err != nil {
		return false, err
	}
	return v.AsBool()
}

// GetFloat64 returns key as a double.
func (c *Configuration) GetFloat64(key string) (float64, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	return v.AsFloat64()
}

// GetInt returns key narrowed (with a range check) into T.
func GetInt[T interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}](c *Configuration, key string) (T, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	return NarrowInt[T](v)
}

// GetIntDefault is GetInt with a default value inserted and marked used
// when key is absent.
func GetIntDefault[T interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}](c *Configuration, key string, def T) (T, error) {
	if !c.dict.Has(key) {
		c.dict.Set(key, Int(def))
		c.markUsed(key)
		return def, nil
	}
	return GetInt[T](c, key)
}

// GetStringArray returns key as a []string.
func (c *Configuration) GetStringArray(key string) ([]string, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return v.AsStringArray()
}

// GetFloatArray returns key as a []float64.
func (c *Configuration) GetFloatArray(key string) ([]float64, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return v.AsFloatArray()
}

// GetIntArray returns key as a []int64.
func (c *Configuration) GetIntArray(key string) ([]int64, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return v.AsIntArray()
}

// GetEnum decodes key as a string and maps it through decode, which should
// translate the enumerator name into T, e.g. a satellite.State.
func GetEnum[T any](c *Configuration, key string, decode func(string) (T, error)) (T, error) {
	var zero T
	s, err := c.GetString(key)
	if err != nil {
		return zero, err
	}
	return decode(s)
}

// GetPath returns key as an absolute path. If checkExists is true, a
// non-existent path is a configuration error.
func (c *Configuration) GetPath(key string, checkExists bool) (string, error) {
	raw, err := c.GetString(key)
	if err != nil {
		return "", err
	}
	return toAbsolutePath(raw, checkExists)
}

func toAbsolutePath(raw string, checkExists bool) (string, error) {
	abs := raw
	if !filepath.IsAbs(abs) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		abs = filepath.Join(wd, raw)
	}
	if checkExists {
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("path %q not found", abs)
		}
	}
	return filepath.Clean(abs), nil
}

// GetPathArray is GetPath for a homogeneous array of path strings.
func (c *Configuration) GetPathArray(key string, checkExists bool) ([]string, error) {
	raw, err := c.GetStringArray(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, p := range raw {
		abs, err := toAbsolutePath(p, checkExists)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

// Section returns a Configuration view over the nested Dictionary stored
// under key.
func (c *Configuration) Section(key string) (*Configuration, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	d, err := v.AsDict()
	if err != nil {
		return nil, err
	}
	return New(d), nil
}

// UnusedKeys returns every top-level key that was never read through a
// typed getter, for end-of-lifecycle warnings.
func (c *Configuration) UnusedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, k := range c.dict.Keys() {
		if _, used := c.used[k]; !used {
			out = append(out, k)
		}
	}
	return out
}

// UsedKeys returns the set of keys read so far, as a sorted slice.
func (c *Configuration) UsedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.used))
	for k := range c.used {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String renders the underlying dictionary filtered by group: GroupUser
// excludes "_"-prefixed keys, GroupInternal includes only them, GroupAll
// includes everything.
func (c *Configuration) String(group Group) string {
	var sb strings.Builder
	for _, k := range c.dict.Keys() {
		isInternal := strings.HasPrefix(k, "_")
		switch group {
		case GroupUser:
			if isInternal {
				continue
			}
		case GroupInternal:
			if !isInternal {
				continue
			}
		}
		v, _ := c.dict.Get(k)
		fmt.Fprintf(&sb, "%s: %s\n", k, v.String())
	}
	return sb.String()
}

// Update merges values from other into c, type-preserving: a scalar key may
// only be replaced by a scalar of the same kind, an array key by an array
// of the same element kind, and a nested dictionary only recursively. Keys
// absent from c are rejected.
func (c *Configuration) Update(other *Configuration) error {
	for _, k := range other.dict.Keys() {
		ov, _ := other.dict.Get(k)
		cv, ok := c.dict.Get(k)
		if !ok {
			return fmt.Errorf("key %q does not exist in current configuration", k)
		}
		if cv.Kind() != ov.Kind() {
			// Empty arrays carry no element type information in this
			// representation and are allowed to adopt any array kind of
			// the matching arity.
			if !(isArrayKind(cv.Kind()) && isArrayKind(ov.Kind()) && arrayLen(cv) == 0) {
				return fmt.Errorf("cannot change type of key %q from %s to %s", k, cv.Kind(), ov.Kind())
			}
		}
		if cv.Kind() == KindDict {
			sub := New(cv.dict)
			if err := sub.Update(New(ov.dict)); err != nil {
				return err
			}
			continue
		}
		c.dict.Set(k, ov)
	}
	return nil
}

func isArrayKind(k Kind) bool {
	switch k {
	case KindBoolArray, KindIntArray, KindFloatArray, KindStringArray, KindTimeArray:
		return true
	default:
		return false
	}
}

func arrayLen(v Value) int {
	switch v.Kind() {
	case KindBoolArray:
		return len(v.boolArr)
	case KindIntArray:
		return len(v.intArr)
	case KindFloatArray:
		return len(v.floatArr)
	case KindStringArray:
		return len(v.stringArr)
	case KindTimeArray:
		return len(v.timeArr)
	default:
		return 0
	}
}
