// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"sync"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/snapshot"
)

type tokenState int

const (
	stateIdle tokenState = iota
	statePending
	stateDelivering
)

// Token is the registration of one observer. It holds a lease on the last
// delivered version (the baseline) and at most one pending target; commits
// arriving while a delivery is pending or running replace the target.
type Token struct {
	scheduler *Scheduler
	id        collection.Identity
	callback  Callback
	ec        ExecutionContext

	mu       sync.Mutex
	dead     bool
	dying    chan struct{}
	state    tokenState
	baseline *snapshot.Handle
	target   *snapshot.Handle
	// seen is the newest version accepted for delivery.
	seen     collection.Version
	accepted bool

	// callMu is held while the callback runs.
	callMu sync.Mutex
}

// Identity returns the observed dictionary.
func (t *Token) Identity() collection.Identity {
	return t.id
}

// Alive returns false once the token has been killed.
func (t *Token) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

// Dying returns a channel closed once the token has been killed and has
// given up its leases.
func (t *Token) Dying() <-chan struct{} {
	return t.dying
}

// Kill stops further notifications. No callback starts after Kill returns,
// but one already running is not interrupted. Kill may be called from
// inside the callback.
func (t *Token) Kill() {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	var release []*snapshot.Handle
	if t.target != nil {
		release = append(release, t.target)
		t.target = nil
	}
	// A running delivery releases the baseline itself when it finishes.
	if t.state != stateDelivering && t.baseline != nil {
		release = append(release, t.baseline)
		t.baseline = nil
	}
	t.mu.Unlock()

	t.scheduler.unregister(t)
	for _, h := range release {
		h.Release()
	}
	close(t.dying)
}

// Wait blocks until the token is dead and no callback is running.
func (t *Token) Wait() {
	<-t.dying
	t.callMu.Lock()
	t.callMu.Unlock()
}

// Invalidate kills the token and waits for any running callback to finish,
// so that the callback is never called again once it returns. It must not be
// called from inside the callback; use Kill there.
func (t *Token) Invalidate() {
	t.Kill()
	t.Wait()
}

// killWhenDying kills the token once its execution context stops, as a
// delivery posted to it may never run.
func (t *Token) killWhenDying(ecDying <-chan struct{}) {
	select {
	case <-ecDying:
		t.scheduler.logger.Debugf("%s: execution context stopped, stopping observer", t.id)
		t.Kill()
	case <-t.dying:
	}
}

// enqueue takes ownership of a lease on a newly committed version.
func (t *Token) enqueue(h *snapshot.Handle) {
	t.mu.Lock()
	if t.dead || (t.accepted && h.Version() <= t.seen) {
		t.mu.Unlock()
		h.Release()
		return
	}
	t.seen, t.accepted = h.Version(), true
	var superseded *snapshot.Handle
	if t.target != nil {
		superseded = t.target
		t.scheduler.coalesced.Add(1)
	}
	t.target = h
	post := t.state == stateIdle
	if post {
		t.state = statePending
	}
	t.mu.Unlock()

	if superseded != nil {
		t.scheduler.logger.Tracef("%s: coalescing version %d into %d", t.id, superseded.Version(), h.Version())
		superseded.Release()
	}
	if !post {
		return
	}
	if err := t.ec.Post(t.deliver); err != nil {
		t.scheduler.logger.Warningf("%s: cannot post delivery, stopping observer: %v", t.id, err)
		t.mu.Lock()
		t.state = stateIdle
		t.mu.Unlock()
		t.Kill()
	}
}

// deliver runs on the execution context until no target is pending.
func (t *Token) deliver() {
	for {
		t.mu.Lock()
		if t.dead {
			baseline := t.baseline
			t.baseline = nil
			t.state = stateIdle
			t.mu.Unlock()
			if baseline != nil {
				baseline.Release()
			}
			return
		}
		target := t.target
		if target == nil {
			t.state = stateIdle
			t.mu.Unlock()
			return
		}
		t.target = nil
		t.state = stateDelivering
		baseline := t.baseline
		t.mu.Unlock()

		entries, changes, err := t.scheduler.materialise(t.id, baseline, target)
		switch {
		case err != nil:
			target.Release()
			t.scheduler.failures.Add(1)
			t.scheduler.logger.Warningf("%s: delivery of version %d failed: %v", t.id, target.Version(), err)
			t.invoke(nil, nil, err)
		case changes != nil && changes.Empty():
			t.scheduler.logger.Tracef("%s: version %d has no changes", t.id, target.Version())
			t.advance(target)
		default:
			t.scheduler.deliveries.Add(1)
			t.invoke(&Snapshot{Handle: target, Entries: entries}, changes, nil)
			t.advance(target)
		}
	}
}

// invoke calls the callback unless the token has been killed.
func (t *Token) invoke(snap *Snapshot, changes *collection.ChangeSet, err error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if !t.Alive() {
		return
	}
	t.callback(snap, changes, err)
}

// advance makes target the new baseline.
func (t *Token) advance(target *snapshot.Handle) {
	t.mu.Lock()
	old := t.baseline
	t.baseline = target
	t.mu.Unlock()

	if old != nil {
		old.Release()
	}
}
