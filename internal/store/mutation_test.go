// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/store"
)

type mutationSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&mutationSuite{})

func (s *mutationSuite) TestApplyMutation(c *gc.C) {
	current := collection.Entries{"a": collection.Int(1), "b": collection.Int(2)}

	for i, t := range []struct {
		mutation store.Mutation
		expected collection.Entries
	}{{
		mutation: store.SetAll(collection.Entries{"c": collection.Int(3)}),
		expected: collection.Entries{"c": collection.Int(3)},
	}, {
		mutation: store.Put("a", collection.String("one")),
		expected: collection.Entries{"a": collection.String("one"), "b": collection.Int(2)},
	}, {
		mutation: store.RemoveAll(),
		expected: collection.Entries{},
	}, {
		mutation: store.RemoveKeys("a", "missing"),
		expected: collection.Entries{"b": collection.Int(2)},
	}} {
		c.Logf("test %d", i)
		next, err := store.ApplyMutation(current, t.mutation)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(next, jc.DeepEquals, t.expected)
	}
	// The input is never modified.
	c.Check(current, jc.DeepEquals, collection.Entries{"a": collection.Int(1), "b": collection.Int(2)})
}

func (s *mutationSuite) TestApplyMutationInvalid(c *gc.C) {
	_, err := store.ApplyMutation(nil, store.Put("$bad", collection.Int(1)))
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = store.ApplyMutation(nil, store.Mutation{Op: store.Op(42)})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *mutationSuite) TestSetAllCopiesInput(c *gc.C) {
	entries := collection.Entries{"a": collection.Int(1)}
	m := store.SetAll(entries)
	entries["b"] = collection.Int(2)
	c.Check(m.Entries, gc.HasLen, 1)
}
