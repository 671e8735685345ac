package versionmgr

import "context"

// PersistenceSource is the read side of the metadata-store bridge: bulk
// load at startup. The manager does not assume ordering, deduplication, or
// atomicity across entries — Phase A's linkage algorithm tolerates
// arbitrary input order by construction.
type PersistenceSource interface {
	Open(ctx context.Context) error
	Iterate(ctx context.Context, fn func(Entry) error) error
	Close(ctx context.Context) error
}

// PersistenceSink is the write side: bulk writeback on checkpoint. Open
// receives a session id so a sink implementation can tag or version the
// artifact it produces.
type PersistenceSink interface {
	Open(ctx context.Context, sessionID string, recordSize int) error
	Append(ctx context.Context, e Entry) error
	Close(ctx context.Context) error
}

// Notifier is the combined notification/presentation-layer collaborator:
// Register/Deregister bind a version into the external presentation layer
// (e.g. a sysfs directory), Created/Destroyed emit the external event-bus
// notifications. Register failures are logged and otherwise ignored;
// Deregister failures are treated as fatal by the caller — presentation and
// store must agree.
type Notifier interface {
	Register(ctx context.Context, id VersionID) error
	Deregister(ctx context.Context, id VersionID) error
	Created(ctx context.Context, id VersionID)
	Destroyed(ctx context.Context, id VersionID)
}
