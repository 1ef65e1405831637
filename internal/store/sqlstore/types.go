// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlstore

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/juju/managedcollection/core/collection"
)

// entryRow is one version range of a key binding. The binding is visible
// for versions in [created, deleted), deleted being 0 while it is current.
type entryRow struct {
	Object   string `db:"object"`
	Property string `db:"property"`
	Key      string `db:"entry_key"`
	Value    string `db:"entry_value"`
	Created  int64  `db:"created"`
	Deleted  int64  `db:"deleted"`
}

// readArgs selects a dictionary at a version.
type readArgs struct {
	Object   string `db:"object"`
	Property string `db:"property"`
	Version  int64  `db:"version"`
}

// retireArgs marks the current binding of a key as deleted.
type retireArgs struct {
	Object   string `db:"object"`
	Property string `db:"property"`
	Key      string `db:"entry_key"`
	Version  int64  `db:"version"`
}

// droppedObject records the version at which a parent object was deleted.
type droppedObject struct {
	Object  string `db:"object"`
	Version int64  `db:"version"`
}

// versionRow is a committed version.
type versionRow struct {
	ID          int64  `db:"id"`
	CommittedAt string `db:"committed_at"`
}

// watermark bounds the rows that can be reclaimed.
type watermark struct {
	Version int64 `db:"version"`
}

// encodedValue is the JSON form of a collection.Value.
type encodedValue struct {
	Kind   string          `json:"kind"`
	Scalar json.RawMessage `json:"scalar,omitempty"`
	Class  string          `json:"class,omitempty"`
	ID     string          `json:"id,omitempty"`
}

const (
	kindNull   = "null"
	kindInt    = "int"
	kindFloat  = "float"
	kindBool   = "bool"
	kindString = "string"
	kindBytes  = "bytes"
	kindTime   = "time"
	kindUUID   = "uuid"
	kindObject = "object"
)

func encodeValue(v collection.Value) (string, error) {
	var enc encodedValue
	switch v.Kind() {
	case collection.Null:
		enc.Kind = kindNull
	case collection.Object:
		ref, _ := v.Object()
		enc.Kind, enc.Class, enc.ID = kindObject, ref.Class, ref.ID
	default:
		scalar := v.Scalar()
		switch scalar.(type) {
		case int64:
			enc.Kind = kindInt
		case float64:
			enc.Kind = kindFloat
		case bool:
			enc.Kind = kindBool
		case string:
			enc.Kind = kindString
		case []byte:
			enc.Kind = kindBytes
		case time.Time:
			enc.Kind = kindTime
		case uuid.UUID:
			enc.Kind = kindUUID
		default:
			return "", errors.NotSupportedf("scalar of type %T", scalar)
		}
		if f, ok := scalar.(float64); ok {
			// JSON has no NaN or infinities.
			scalar = strconv.FormatFloat(f, 'g', -1, 64)
		}
		raw, err := json.Marshal(scalar)
		if err != nil {
			return "", errors.Trace(err)
		}
		enc.Scalar = raw
	}
	data, err := json.Marshal(enc)
	return string(data), errors.Trace(err)
}

func decodeValue(data string) (collection.Value, error) {
	var enc encodedValue
	if err := json.Unmarshal([]byte(data), &enc); err != nil {
		return collection.Value{}, errors.Annotate(err, "decoding value")
	}
	var (
		target any
		err    error
	)
	switch enc.Kind {
	case kindNull:
		return collection.NullValue(), nil
	case kindObject:
		return collection.ObjectValue(collection.ObjectRef{Class: enc.Class, ID: enc.ID}), nil
	case kindInt:
		var i int64
		err = json.Unmarshal(enc.Scalar, &i)
		target = i
	case kindFloat:
		var text string
		if err = json.Unmarshal(enc.Scalar, &text); err == nil {
			target, err = strconv.ParseFloat(text, 64)
		}
	case kindBool:
		var b bool
		err = json.Unmarshal(enc.Scalar, &b)
		target = b
	case kindString:
		var s string
		err = json.Unmarshal(enc.Scalar, &s)
		target = s
	case kindBytes:
		var b []byte
		err = json.Unmarshal(enc.Scalar, &b)
		target = b
	case kindTime:
		var t time.Time
		err = json.Unmarshal(enc.Scalar, &t)
		target = t
	case kindUUID:
		var u uuid.UUID
		err = json.Unmarshal(enc.Scalar, &u)
		target = u
	default:
		return collection.Value{}, errors.NotValidf("value kind %q", enc.Kind)
	}
	if err != nil {
		return collection.Value{}, errors.Annotatef(err, "decoding %s value", enc.Kind)
	}
	v, err := collection.ScalarValue(target)
	return v, errors.Trace(err)
}
