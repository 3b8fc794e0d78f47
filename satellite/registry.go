/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package satellite

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/protocol"
)

// Command describes one user-registered verb: a reflection-callable, its
// required allowed states and a short description shown in get_commands.
type Command struct {
	Name          string
	Description   string
	AllowedStates []protocol.State
	fn            reflect.Value
	fnType        reflect.Type
}

// Hidden reports whether c is hidden from get_commands listings (its name
// starts with "_") while remaining invocable, per spec §4.5.
func (c Command) Hidden() bool {
	return strings.HasPrefix(c.Name, "_")
}

// allowedIn reports whether c may be invoked while the satellite is in
// state s. An empty AllowedStates means "any state".
func (c Command) allowedIn(s protocol.State) bool {
	if len(c.AllowedStates) == 0 {
		return true
	}
	for _, allowed := range c.AllowedStates {
		if allowed == s {
			return true
		}
	}
	return false
}

// Registry is the name→callable table described in spec §4.5.
type Registry struct {
	commands map[string]Command
	order    []string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// reservedNames collects every standard and transition verb name, against
// which user registrations are checked for collisions.
func reservedNames() map[string]struct{} {
	reserved := make(map[string]struct{})
	for _, v := range protocol.StandardVerbs {
		reserved[v] = struct{}{}
	}
	for _, t := range protocol.Commands {
		reserved[t.String()] = struct{}{}
	}
	return reserved
}

// Register adds a command named name, backed by fn (any function whose
// parameters and return value are representable as config.Value). It
// rejects an empty name, a name with characters outside [A-Za-z0-9_], a
// duplicate name, or a name colliding with a standard/transition verb.
func (r *Registry) Register(name, description string, allowedStates []protocol.State, fn any) error {
	lc := strings.ToLower(name)
	if !protocol.IsValidCommandName(lc) {
		return fmt.Errorf("command name %q is empty or contains invalid characters", name)
	}
	if _, exists := r.commands[lc]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	if _, reserved := reservedNames()[lc]; reserved {
		return fmt.Errorf("command %q collides with a standard or transition verb", name)
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return fmt.Errorf("command %q: fn must be a function", name)
	}

	r.commands[lc] = Command{
		Name:          lc,
		Description:   description,
		AllowedStates: allowedStates,
		fn:            fnVal,
		fnType:        fnVal.Type(),
	}
	r.order = append(r.order, lc)
	return nil
}

// Listing returns the non-hidden command names and descriptions, keyed by
// name, for the get_commands verb; the map carries no ordering.
func (r *Registry) Listing() map[string]string {
	out := make(map[string]string)
	for _, name := range r.order {
		c := r.commands[name]
		if c.Hidden() {
			continue
		}
		out[name] = c.Description
	}
	return out
}

// InvokeError reports why Invoke could not run a command, distinguishing
// an unknown verb from an arity/type/state mismatch so the responder can
// pick the right CSCP verb (UNKNOWN vs. INCOMPLETE vs. INVALID).
type InvokeError struct {
	Kind InvokeErrorKind
	Msg  string
}

func (e *InvokeError) Error() string { return e.Msg }

// InvokeErrorKind distinguishes the CSCP-visible error category.
type InvokeErrorKind int

// Invoke error kinds.
const (
	InvokeUnknown InvokeErrorKind = iota
	InvokeArityOrType
	InvokeStateMismatch
)

// Invoke looks up name and calls it with args coerced element-wise to the
// declared parameter types, in the current FSM state s.
func (r *Registry) Invoke(name string, args []config.Value, s protocol.State) (config.Value, error) {
	lc := strings.ToLower(name)
	c, ok := r.commands[lc]
	if !ok {
		return config.Value{}, &InvokeError{Kind: InvokeUnknown, Msg: fmt.Sprintf("unknown command %q", name)}
	}
	if !c.allowedIn(s) {
		return config.Value{}, &InvokeError{Kind: InvokeStateMismatch, Msg: fmt.Sprintf("command %q not allowed in state %s", name, s)}
	}

	numIn := c.fnType.NumIn()
	if numIn != len(args) {
		return config.Value{}, &InvokeError{Kind: InvokeArityOrType, Msg: fmt.Sprintf("command %q expects %d argument(s), %d given", name, numIn, len(args))}
	}

	in := make([]reflect.Value, numIn)
	for i := 0; i < numIn; i++ {
		coerced, err := coerceArg(args[i], c.fnType.In(i))
		if err != nil {
			return config.Value{}, &InvokeError{Kind: InvokeArityOrType, Msg: fmt.Sprintf("command %q argument %d: %v", name, i, err)}
		}
		in[i] = coerced
	}

	out := c.fn.Call(in)
	return convertResult(out)
}

// coerceArg converts v to the reflect.Type t declared by a registered
// command's parameter, per spec §4.5's element-wise argument coercion.
func coerceArg(v config.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.String:
		s, err := v.AsString()
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s), nil
	case reflect.Bool:
		b, err := v.AsBool()
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case reflect.Float64, reflect.Float32:
		f, err := v.AsFloat64()
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := v.AsInt64()
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(i) {
			return reflect.Value{}, fmt.Errorf("value %d out of range for %s", i, t)
		}
		out.SetInt(i)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := v.AsInt64()
		if err != nil {
			return reflect.Value{}, err
		}
		if i < 0 {
			return reflect.Value{}, fmt.Errorf("value %d out of range for %s", i, t)
		}
		out := reflect.New(t).Elem()
		if out.OverflowUint(uint64(i)) {
			return reflect.Value{}, fmt.Errorf("value %d out of range for %s", i, t)
		}
		out.SetUint(uint64(i))
		return out, nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported argument type %s", t)
	}
}

// convertResult converts a registered command's return values into a
// single config.Value, per spec §4.5. Commands may return (value) or
// (value, error); an error return short-circuits with InvokeArityOrType.
func convertResult(out []reflect.Value) (config.Value, error) {
	if len(out) == 0 {
		return config.Nil(), nil
	}
	if len(out) > 2 {
		return config.Value{}, &InvokeError{Kind: InvokeArityOrType, Msg: "commands may return at most (value, error)"}
	}
	if len(out) == 2 {
		if errVal := out[1].Interface(); errVal != nil {
			if err, ok := errVal.(error); ok && err != nil {
				return config.Value{}, &InvokeError{Kind: InvokeArityOrType, Msg: err.Error()}
			}
		}
	}
	return valueFromReflect(out[0])
}

func valueFromReflect(v reflect.Value) (config.Value, error) {
	switch v.Kind() {
	case reflect.String:
		return config.String(v.String()), nil
	case reflect.Bool:
		return config.Bool(v.Bool()), nil
	case reflect.Float32, reflect.Float64:
		return config.Float(v.Float()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return config.Int(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return config.Int(int64(v.Uint())), nil
	default:
		return config.Value{}, fmt.Errorf("unsupported return type %s", v.Type())
	}
}
