package versionmgr

import (
	"context"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/timmoreton/castle/internal/cleanup"
)

// phaseCConcurrency bounds how many presentation-layer registrations run
// concurrently during Phase C, so a large bootstrap load doesn't spawn one
// goroutine per version.
const phaseCConcurrency = 8

// drainInitQueue runs Phase A: while the init queue is non-empty, take the
// head and attempt to link it into the forest, applying the snapshot/clone
// rules. Must be called with m.mu held. Returns the versions successfully
// linked during this call, in link order, for Phase C registration.
func (m *Manager) drainInitQueue(ctx context.Context) []*version {
	var staged []*version

	for {
		v, ok := m.queue.popFront()
		if !ok {
			break
		}
		if v.flags.has(flagLinked) {
			// Already linked as the unlinked parent of an earlier entry.
			continue
		}
		if linked := m.linkOne(ctx, v); linked != nil {
			staged = append(staged, linked)
		}
	}
	return staged
}

// linkOne resolves v's place in the forest, following unlinked parents
// toward the root as needed. It returns the version actually linked: v
// itself, or, when v's parent was still unlinked, the nearest unlinked
// ancestor (v is then back on the queue). It returns nil if a
// snapshot/clone rule rejected the version. Must be called with m.mu held.
func (m *Manager) linkOne(ctx context.Context, v *version) *version {
	for {
		p, ok := m.st.get(v.parentID)
		if !ok {
			panic("versionmgr: corrupt version stream: parent not found")
		}

		if v.flags.has(flagSnapshot) && p.firstChild != nil {
			log.G(ctx).WithFields(log.Fields{
				"version": v.id,
				"parent":  p.id,
				"child":   p.firstChild.id,
			}).Warn("rejecting snapshot: parent already has a child")
			return nil
		}
		if !v.flags.has(flagSnapshot) && p.flags.has(flagAttached) && p.firstChild == nil {
			log.G(ctx).WithFields(log.Fields{
				"version": v.id,
				"parent":  p.id,
			}).Warn("rejecting clone: parent is an attached leaf")
			return nil
		}

		if !p.flags.has(flagLinked) {
			// Parent not yet linked: re-push v to the front (O(n) total
			// work across the phase) and retry starting from the parent.
			m.queue.pushFront(v)
			v = p
			continue
		}

		if p.sizeHint != 0 {
			v.sizeHint = p.sizeHint
		}
		if v.attachmentTag == InvalidTag {
			v.attachmentTag = p.attachmentTag
		}

		insertChild(p, v)
		v.parent = p
		v.flags |= flagLinked
		return v
	}
}

// insertChild links v as a child of p, keeping the child list sorted by id
// descending (spec invariant 3).
func insertChild(p, v *version) {
	if p.firstChild == nil || v.id > p.firstChild.id {
		v.nextSibling = p.firstChild
		p.firstChild = v
		return
	}
	cur := p.firstChild
	for cur.nextSibling != nil && cur.nextSibling.id > v.id {
		cur = cur.nextSibling
	}
	v.nextSibling = cur.nextSibling
	cur.nextSibling = v
}

// removeChild unlinks v from its parent's child list. Must be called with
// m.mu held; v.parent must be non-nil.
func removeChild(v *version) {
	p := v.parent
	if p.firstChild == v {
		p.firstChild = v.nextSibling
	} else {
		cur := p.firstChild
		for cur != nil && cur.nextSibling != v {
			cur = cur.nextSibling
		}
		if cur == nil {
			panic("versionmgr: corrupt forest: version not found in parent's child list")
		}
		cur.nextSibling = v.nextSibling
	}
	v.nextSibling = nil
	v.parent = nil
}

// renumberDFS runs Phase B: a non-recursive depth-first walk from the root,
// assigning enter/exit numbers. Must be called with m.mu held.
func (m *Manager) renumberDFS() {
	root, ok := m.st.get(0)
	if !ok {
		panic("versionmgr: root version missing during renumbering")
	}
	if !root.flags.has(flagLinked) {
		panic("versionmgr: root version not linked during renumbering")
	}

	id := 0
	childrenFirst := true
	v := root

	for v != nil {
		var next *version
		if childrenFirst {
			id++
			v.enter = id
			v.hasDFS = true
			next = v.firstChild
			if next == nil {
				v.exit = v.enter
			}
		} else {
			v.exit = id
		}

		childrenFirst = true
		if next == nil {
			next = v.nextSibling
		}
		if next == nil {
			next = v.parent
			childrenFirst = false
		}
		v = next
	}
}

// process runs Phase A and Phase B while the Manager's lock is held, then
// returns the staged (newly linked) versions for Phase C, which the caller
// must run after releasing the lock. Must be called with m.mu held.
func (m *Manager) process(ctx context.Context) []*version {
	staged := m.drainInitQueue(ctx)
	m.renumberDFS()
	return staged
}

// notifyRegistrations runs Phase C: register each staged version with the
// presentation layer, without the Manager lock held, bounding concurrency
// via errgroup. A registration failure is logged but does not roll back
// linkage or numbering.
func (m *Manager) notifyRegistrations(ctx context.Context, staged []*version) {
	if len(staged) == 0 || m.notifier == nil {
		return
	}

	cleanup.Do(ctx, func(ctx context.Context) {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(phaseCConcurrency)
		for _, v := range staged {
			id := v.id
			g.Go(func() error {
				if err := m.notifier.Register(ctx, id); err != nil {
					log.G(ctx).WithError(err).WithField("version", id).
						Warn("presentation-layer registration failed")
				}
				return nil
			})
		}
		_ = g.Wait() // registration errors are logged individually, never fatal
	})
}
