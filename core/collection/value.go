// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package collection

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Kind describes which variant a Value holds.
type Kind int

const (
	// Null is the absence of a value. It is distinct from a missing key.
	Null Kind = iota
	// Scalar values are primitives compared by value.
	Scalar
	// Object values reference another managed object and are compared by
	// identity.
	Object
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Scalar:
		return "scalar"
	case Object:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ObjectRef references a managed object.
type ObjectRef struct {
	Class string
	ID    string
}

// String implements fmt.Stringer.
func (r ObjectRef) String() string {
	return r.Class + ":" + r.ID
}

// Value is the value bound to a key in a dictionary.
// The zero Value is null.
type Value struct {
	kind   Kind
	scalar any
	object ObjectRef
}

// NullValue returns the null value.
func NullValue() Value {
	return Value{}
}

// Int returns a scalar integer value.
func Int(i int64) Value { return Value{kind: Scalar, scalar: i} }

// Float returns a scalar floating point value.
func Float(f float64) Value { return Value{kind: Scalar, scalar: f} }

// Bool returns a scalar boolean value.
func Bool(b bool) Value { return Value{kind: Scalar, scalar: b} }

// String returns a scalar string value.
func String(s string) Value { return Value{kind: Scalar, scalar: s} }

// Bytes returns a scalar binary value. The slice is copied.
func Bytes(b []byte) Value {
	return Value{kind: Scalar, scalar: bytes.Clone(b)}
}

// Time returns a scalar timestamp value.
func Time(t time.Time) Value { return Value{kind: Scalar, scalar: t} }

// UUID returns a scalar UUID value.
func UUID(u uuid.UUID) Value { return Value{kind: Scalar, scalar: u} }

// ObjectValue returns a value referencing the given object.
func ObjectValue(ref ObjectRef) Value {
	return Value{kind: Object, object: ref}
}

// ScalarValue wraps a Go primitive as a scalar value. It returns a NotValid
// error for unsupported types.
func ScalarValue(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue(), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case time.Time:
		return Time(t), nil
	case uuid.UUID:
		return UUID(t), nil
	case ObjectRef:
		return ObjectValue(t), nil
	}
	return Value{}, errors.NotValidf("scalar of type %T", v)
}

// Kind returns the variant held by the value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull returns true for the null value.
func (v Value) IsNull() bool {
	return v.kind == Null
}

// Scalar returns the primitive held by a scalar value, or nil.
func (v Value) Scalar() any {
	if v.kind != Scalar {
		return nil
	}
	if b, ok := v.scalar.([]byte); ok {
		return bytes.Clone(b)
	}
	return v.scalar
}

// Object returns the referenced object and true for object values.
func (v Value) Object() (ObjectRef, bool) {
	return v.object, v.kind == Object
}

// Equal reports whether two values are the same. Object values are equal
// when they reference the same object.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Object:
		return v.object == other.object
	}
	switch a := v.scalar.(type) {
	case []byte:
		b, ok := other.scalar.([]byte)
		return ok && bytes.Equal(a, b)
	case time.Time:
		b, ok := other.scalar.(time.Time)
		return ok && a.Equal(b)
	case float64:
		// NaN equals NaN so that rewriting one is not a change.
		b, ok := other.scalar.(float64)
		return ok && (a == b || (math.IsNaN(a) && math.IsNaN(b)))
	}
	return v.scalar == other.scalar
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case Null:
		return "null"
	case Object:
		return v.object.String()
	}
	return fmt.Sprintf("%v", v.scalar)
}
