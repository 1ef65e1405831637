// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlstore

import (
	"context"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/store"
)

type storeSuite struct {
	testing.IsolationSuite

	path  string
	hub   *discardHub
	store *Store
}

var _ = gc.Suite(&storeSuite{})

var dogs = collection.Identity{Object: "person-1", Property: "dogs"}

func (s *storeSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.path = filepath.Join(c.MkDir(), "collections.db")
	s.hub = &discardHub{}
	s.store = s.open(c)
}

func (s *storeSuite) TearDownTest(c *gc.C) {
	if s.store != nil {
		c.Check(s.store.Close(), jc.ErrorIsNil)
	}
	s.IsolationSuite.TearDownTest(c)
}

func (s *storeSuite) open(c *gc.C) *Store {
	st, err := Open(context.Background(), s.path, Config{Hub: s.hub})
	c.Assert(err, jc.ErrorIsNil)
	return st
}

func (s *storeSuite) commit(c *gc.C, mutations ...store.Mutation) collection.Version {
	txn, err := s.store.Begin(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	for _, m := range mutations {
		c.Assert(txn.Apply(context.Background(), dogs, m), jc.ErrorIsNil)
	}
	v, err := txn.Commit(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	return v
}

func (s *storeSuite) read(c *gc.C, v collection.Version) collection.Entries {
	entries, err := s.store.Read(context.Background(), dogs, v)
	c.Assert(err, jc.ErrorIsNil)
	return entries
}

func (s *storeSuite) TestValidateConfig(c *gc.C) {
	_, err := New(context.Background(), Config{Hub: s.hub})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *storeSuite) TestValueRoundTrip(c *gc.C) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	values := collection.Entries{
		"null":   collection.NullValue(),
		"int":    collection.Int(-7),
		"float":  collection.Float(2.5),
		"bool":   collection.Bool(true),
		"string": collection.String("rex"),
		"bytes":  collection.Bytes([]byte{0, 1, 2}),
		"time":   collection.Time(now),
		"uuid":   collection.UUID(id),
		"object": collection.ObjectValue(collection.ObjectRef{Class: "Dog", ID: "rex"}),
		"nan":    collection.Float(math.NaN()),
		"inf":    collection.Float(math.Inf(-1)),
	}
	v := s.commit(c, store.SetAll(values))
	c.Check(s.read(c, v).Equal(values), jc.IsTrue)
}

func (s *storeSuite) TestVersionedReads(c *gc.C) {
	v1 := s.commit(c, store.SetAll(collection.Entries{"a": collection.Int(1)}))
	v2 := s.commit(c, store.RemoveKeys("a"), store.Put("c", collection.Int(3)))
	v3 := s.commit(c, store.Put("c", collection.Int(4)))

	c.Check(s.read(c, 0), gc.HasLen, 0)
	c.Check(s.read(c, v1), jc.DeepEquals, collection.Entries{"a": collection.Int(1)})
	c.Check(s.read(c, v2), jc.DeepEquals, collection.Entries{"c": collection.Int(3)})
	c.Check(s.read(c, v3), jc.DeepEquals, collection.Entries{"c": collection.Int(4)})
	c.Check(s.hub.topics, gc.HasLen, 3)
}

func (s *storeSuite) TestNoOpCommit(c *gc.C) {
	v1 := s.commit(c, store.Put("a", collection.Int(1)))
	v2 := s.commit(c, store.Put("a", collection.Int(1)))
	c.Check(v2, gc.Equals, v1)
}

func (s *storeSuite) TestReclaimRespectsPins(c *gc.C) {
	v1 := s.commit(c, store.Put("x", collection.Int(1)))
	c.Assert(s.store.Pin(context.Background(), v1), jc.ErrorIsNil)
	v2 := s.commit(c, store.Put("x", collection.Int(2)))
	s.commit(c, store.Put("x", collection.Int(3)))

	_, err := s.store.Reclaim(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.read(c, v1)["x"], jc.DeepEquals, collection.Int(1))
	_, err = s.store.Read(context.Background(), dogs, 0)
	c.Check(err, jc.ErrorIs, collection.ErrStaleVersion)

	s.store.Unpin(v1)
	n, err := s.store.Reclaim(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 2)
	_, err = s.store.Read(context.Background(), dogs, v2)
	c.Check(err, jc.ErrorIs, collection.ErrStaleVersion)
	c.Check(s.store.Pin(context.Background(), v1), jc.ErrorIs, collection.ErrStaleVersion)
}

func (s *storeSuite) TestDeleteObject(c *gc.C) {
	v1 := s.commit(c, store.Put("x", collection.Int(1)))

	txn, err := s.store.Begin(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(txn.DeleteObject(context.Background(), dogs.Object), jc.ErrorIsNil)
	v2, err := txn.Commit(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.store.CurrentVersion(context.Background(), dogs)
	c.Check(err, jc.ErrorIs, collection.ErrInvalidatedCollection)
	_, err = s.store.Read(context.Background(), dogs, v2)
	c.Check(err, jc.ErrorIs, collection.ErrInvalidatedCollection)
	c.Check(s.read(c, v1), gc.HasLen, 1)
	c.Check(s.hub.topics[len(s.hub.topics)-1], gc.Equals, collection.DropTopic(dogs.Object))
}

func (s *storeSuite) TestMaxActiveVersions(c *gc.C) {
	c.Assert(s.store.Close(), jc.ErrorIsNil)
	st, err := Open(context.Background(), s.path, Config{Hub: s.hub, MaxActiveVersions: 1})
	c.Assert(err, jc.ErrorIsNil)
	s.store = st

	v1 := s.commit(c, store.Put("x", collection.Int(1)))
	c.Assert(s.store.Pin(context.Background(), v1), jc.ErrorIsNil)

	txn, err := s.store.Begin(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(txn.Apply(context.Background(), dogs, store.Put("x", collection.Int(2))), jc.ErrorIsNil)
	_, err = txn.Commit(context.Background())
	c.Check(err, jc.ErrorIs, collection.ErrTooManyActiveVersions)
	c.Check(s.read(c, v1)["x"], jc.DeepEquals, collection.Int(1))
}

func (s *storeSuite) TestReopenKeepsLatest(c *gc.C) {
	s.commit(c, store.Put("x", collection.Int(1)))
	v2 := s.commit(c, store.Put("x", collection.Int(2)))
	c.Assert(s.store.Close(), jc.ErrorIsNil)

	s.store = s.open(c)
	v, err := s.store.CurrentVersion(context.Background(), dogs)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, v2)
	c.Check(s.read(c, v2)["x"], jc.DeepEquals, collection.Int(2))

	// Pins do not survive a restart, so older versions are gone.
	_, err = s.store.Read(context.Background(), dogs, v2-1)
	c.Check(err, jc.ErrorIs, collection.ErrStaleVersion)
}

func (s *storeSuite) TestCommitStampedByClock(c *gc.C) {
	c.Assert(s.store.Close(), jc.ErrorIsNil)
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	st, err := Open(context.Background(), s.path, Config{Hub: s.hub, Clock: testclock.NewClock(now)})
	c.Assert(err, jc.ErrorIsNil)
	s.store = st

	v := s.commit(c, store.Put("x", collection.Int(1)))
	var committedAt string
	row := s.store.db.PlainDB().QueryRow("SELECT committed_at FROM version WHERE id = ?", int64(v))
	c.Assert(row.Scan(&committedAt), jc.ErrorIsNil)
	c.Check(committedAt, gc.Equals, now.Format(time.RFC3339Nano))
}

// churn commits SetAll({"a": v}) as version v and reclaims after every
// commit until stop is closed.
func (s *storeSuite) churn(stop <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for i := int64(2); ; i++ {
			select {
			case <-stop:
				done <- nil
				return
			default:
			}
			txn, err := s.store.Begin(ctx)
			if err != nil {
				done <- err
				return
			}
			if err := txn.Apply(ctx, dogs, store.SetAll(collection.Entries{"a": collection.Int(i)})); err != nil {
				txn.Abort()
				done <- err
				return
			}
			if _, err := txn.Commit(ctx); err != nil {
				done <- err
				return
			}
			if _, err := s.store.Reclaim(ctx); err != nil {
				done <- err
				return
			}
		}
	}()
	return done
}

func (s *storeSuite) TestReadsDuringReclaim(c *gc.C) {
	s.commit(c, store.SetAll(collection.Entries{"a": collection.Int(1)}))
	stop := make(chan struct{})
	done := s.churn(stop)
	defer func() {
		close(stop)
		c.Check(<-done, jc.ErrorIsNil)
	}()

	ctx := context.Background()
	var read int
	for i := 0; i < 500; i++ {
		v, err := s.store.CurrentVersion(ctx, dogs)
		c.Assert(err, jc.ErrorIsNil)
		entries, err := s.store.Read(ctx, dogs, v)
		if errors.Is(err, collection.ErrStaleVersion) {
			continue
		}
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(entries, jc.DeepEquals, collection.Entries{"a": collection.Int(int64(v))})
		read++
	}
	c.Logf("%d of 500 reads were not reclaimed first", read)
}

func (s *storeSuite) TestPinnedReadsDuringReclaim(c *gc.C) {
	s.commit(c, store.SetAll(collection.Entries{"a": collection.Int(1)}))
	stop := make(chan struct{})
	done := s.churn(stop)
	defer func() {
		close(stop)
		c.Check(<-done, jc.ErrorIsNil)
	}()

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		v, err := s.store.CurrentVersion(ctx, dogs)
		c.Assert(err, jc.ErrorIsNil)
		err = s.store.Pin(ctx, v)
		if errors.Is(err, collection.ErrStaleVersion) {
			continue
		}
		c.Assert(err, jc.ErrorIsNil)
		entries, err := s.store.Read(ctx, dogs, v)
		s.store.Unpin(v)
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(entries, jc.DeepEquals, collection.Entries{"a": collection.Int(int64(v))})
	}
}
