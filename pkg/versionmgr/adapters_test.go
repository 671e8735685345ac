package versionmgr

import (
	"context"
	"errors"
)

// fakeSource is an in-memory PersistenceSource for tests, replaying a fixed
// slice of entries regardless of the order they were constructed in.
type fakeSource struct {
	entries []Entry
}

func newFakeSource(entries []Entry) *fakeSource {
	return &fakeSource{entries: entries}
}

func (s *fakeSource) Open(ctx context.Context) error { return nil }

func (s *fakeSource) Iterate(ctx context.Context, fn func(Entry) error) error {
	for _, e := range s.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Close(ctx context.Context) error { return nil }

// fakeSink is an in-memory PersistenceSink for tests, capturing the entries
// it was asked to append in order.
type fakeSink struct {
	opened     bool
	sessionID  string
	recordSize int
	entries    []Entry
	closed     bool
}

func newFakeSink() *fakeSink { return &fakeSink{} }

func (s *fakeSink) Open(ctx context.Context, sessionID string, recordSize int) error {
	s.opened = true
	s.sessionID = sessionID
	s.recordSize = recordSize
	return nil
}

func (s *fakeSink) Append(ctx context.Context, e Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

// recordingNotifier captures the order of presentation-layer calls it
// receives, for assertions against the delete/create ordering laws.
type recordingNotifier struct {
	registered []VersionID
	destroyed  []VersionID
	created    []VersionID
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{}
}

func (n *recordingNotifier) Register(ctx context.Context, id VersionID) error {
	n.registered = append(n.registered, id)
	return nil
}

func (n *recordingNotifier) Deregister(ctx context.Context, id VersionID) error {
	return nil
}

func (n *recordingNotifier) Created(ctx context.Context, id VersionID) {
	n.created = append(n.created, id)
}

func (n *recordingNotifier) Destroyed(ctx context.Context, id VersionID) {
	n.destroyed = append(n.destroyed, id)
}

// failingDeregisterNotifier fails Deregister for one specific id, to exercise
// the delete ordering contract: deregistration must precede store removal,
// so a failure part-way through a subtree must leave the failing id (and
// everything after it) untouched in the store.
type failingDeregisterNotifier struct {
	failOn       VersionID
	deregistered []VersionID
	destroyed    []VersionID
}

func newFailingDeregisterNotifier(failOn VersionID) *failingDeregisterNotifier {
	return &failingDeregisterNotifier{failOn: failOn}
}

func (n *failingDeregisterNotifier) Register(ctx context.Context, id VersionID) error { return nil }

func (n *failingDeregisterNotifier) Deregister(ctx context.Context, id VersionID) error {
	n.deregistered = append(n.deregistered, id)
	if id == n.failOn {
		return errors.New("presentation layer refused deregistration")
	}
	return nil
}

func (n *failingDeregisterNotifier) Created(ctx context.Context, id VersionID) {}

func (n *failingDeregisterNotifier) Destroyed(ctx context.Context, id VersionID) {
	n.destroyed = append(n.destroyed, id)
}

// orderCheckingNotifier reaches directly into the Manager's store (valid
// here since it runs synchronously on the same goroutine that already holds
// the lock) to confirm, at the instant each call lands, that Deregister
// always sees its id still present and Destroyed always sees it already
// gone.
type orderCheckingNotifier struct {
	m            *Manager
	deregisterOK []bool
	destroyedOK  []bool
}

func (n *orderCheckingNotifier) Register(ctx context.Context, id VersionID) error { return nil }

func (n *orderCheckingNotifier) Deregister(ctx context.Context, id VersionID) error {
	_, present := n.m.st.get(id)
	n.deregisterOK = append(n.deregisterOK, present)
	return nil
}

func (n *orderCheckingNotifier) Created(ctx context.Context, id VersionID) {}

func (n *orderCheckingNotifier) Destroyed(ctx context.Context, id VersionID) {
	_, present := n.m.st.get(id)
	n.destroyedOK = append(n.destroyedOK, !present)
}
