// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package collection_test

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/managedcollection/core/collection"
)

type entriesSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&entriesSuite{})

func (s *entriesSuite) TestKeysAndValuesAreOrdered(c *gc.C) {
	e := collection.Entries{
		"b": collection.Int(2),
		"a": collection.Int(1),
		"c": collection.Int(3),
	}
	c.Check(e.Keys(), gc.DeepEquals, []string{"a", "b", "c"})
	c.Check(e.Values(), gc.DeepEquals, []collection.Value{
		collection.Int(1), collection.Int(2), collection.Int(3),
	})
}

func (s *entriesSuite) TestCloneIsIndependent(c *gc.C) {
	e := collection.Entries{"a": collection.Int(1)}
	clone := e.Clone()
	clone["a"] = collection.Int(2)
	c.Check(e["a"], gc.DeepEquals, collection.Int(1))

	var nilEntries collection.Entries
	c.Check(nilEntries.Clone(), gc.NotNil)
}

func (s *entriesSuite) TestEqual(c *gc.C) {
	a := collection.Entries{"a": collection.Int(1)}
	c.Check(a.Equal(collection.Entries{"a": collection.Int(1)}), jc.IsTrue)
	c.Check(a.Equal(collection.Entries{"a": collection.Int(2)}), jc.IsFalse)
	c.Check(a.Equal(collection.Entries{"b": collection.Int(1)}), jc.IsFalse)
	c.Check(a.Equal(nil), jc.IsFalse)
}

func (s *entriesSuite) TestValidateKey(c *gc.C) {
	c.Check(collection.ValidateKey("name"), jc.ErrorIsNil)
	for _, key := range []string{"", "a.b", "$id"} {
		c.Check(collection.ValidateKey(key), jc.ErrorIs, errors.NotValid, gc.Commentf("key %q", key))
	}
}

func (s *entriesSuite) TestChangeSetValidate(c *gc.C) {
	cs := collection.NewChangeSet()
	c.Check(cs.Empty(), jc.IsTrue)
	c.Check(cs.Validate(), jc.ErrorIsNil)

	cs.Inserted.Add("a")
	cs.Modified.Add("a")
	c.Check(cs.Empty(), jc.IsFalse)
	c.Check(cs.Validate(), jc.ErrorIs, errors.NotValid)
}

func (s *entriesSuite) TestZeroChangeSetIsEmpty(c *gc.C) {
	cs := collection.ChangeSet{Inserted: set.NewStrings()}
	c.Check(cs.Empty(), jc.IsTrue)
}

func (s *entriesSuite) TestIdentity(c *gc.C) {
	id := collection.Identity{Object: "person-1", Property: "dogs"}
	c.Check(id.Validate(), jc.ErrorIsNil)
	c.Check(id.String(), gc.Equals, "person-1/dogs")
	c.Check(collection.CommitTopic(id), gc.Equals, "collection.commit.person-1/dogs")
	c.Check(collection.DropTopic(id.Object), gc.Equals, "collection.drop.person-1")
	c.Check(collection.Identity{Object: "x"}.Validate(), jc.ErrorIs, errors.NotValid)
}

func (s *entriesSuite) TestIdentityRejectsSlash(c *gc.C) {
	// Both would otherwise share the topic of "a/b/c".
	c.Check(collection.Identity{Object: "a", Property: "b/c"}.Validate(), gc.ErrorMatches, `property "b/c" containing "/" not valid`)
	c.Check(collection.Identity{Object: "a/b", Property: "c"}.Validate(), gc.ErrorMatches, `object "a/b" containing "/" not valid`)
}
