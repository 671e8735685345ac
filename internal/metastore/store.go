/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package metastore provides a bbolt-backed PersistenceSource/PersistenceSink
// pair for versionmgr, storing one record per version in a single bucket
// keyed by big-endian VersionID.
package metastore

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/timmoreton/castle/pkg/versionmgr"
)

var versionsBucket = []byte("versions")

// dbProvider is an internal indirection over *bolt.DB so tests can exercise
// Store without a real database file on disk.
type dbProvider interface {
	View(fn func(*bolt.Tx) error) error
	Update(fn func(*bolt.Tx) error) error
}

// Store owns a bbolt database and hands out a PersistenceSource and a
// PersistenceSink view onto it, since versionmgr's two adapter interfaces
// disagree on the signature of Open.
type Store struct {
	db     dbProvider
	closer func() error
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}
	return &Store{db: db, closer: db.Close}, nil
}

// NewWithDB wraps an already-open bbolt handle; Close becomes a no-op since
// the caller owns the handle's lifetime.
func NewWithDB(db *bolt.DB) *Store {
	return &Store{db: db, closer: func() error { return nil }}
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.closer() }

// Source returns the versionmgr.PersistenceSource view of this store.
func (s *Store) Source() versionmgr.PersistenceSource { return (*source)(s) }

// Sink returns the versionmgr.PersistenceSink view of this store.
func (s *Store) Sink() versionmgr.PersistenceSink { return (*sink)(s) }

type source Store

var _ versionmgr.PersistenceSource = (*source)(nil)

func (s *source) Open(ctx context.Context) error { return nil }

// Iterate calls fn once per stored Entry in bucket-cursor order, which is
// not version id order; BootstrapLoad tolerates arbitrary order by design.
func (s *source) Iterate(ctx context.Context, fn func(versionmgr.Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(versionsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("metastore: decode entry for key %x: %w", k, err)
			}
			return fn(e)
		})
	})
}

func (s *source) Close(ctx context.Context) error { return nil }

type sink Store

var _ versionmgr.PersistenceSink = (*sink)(nil)

// Open replaces the bucket wholesale so a writeback reflects exactly the
// live set, with no stale tombstones from versions deleted since the last
// checkpoint. sessionID is accepted for interface compliance; this adapter
// doesn't version the artifact by session.
func (s *sink) Open(ctx context.Context, sessionID string, recordSize int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(versionsBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(versionsBucket)
		return err
	})
}

func (s *sink) Append(ctx context.Context, e versionmgr.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(versionsBucket)
		if b == nil {
			return fmt.Errorf("metastore: bucket missing, Open not called")
		}
		return b.Put(encodeKey(e.ID), encodeEntry(e))
	})
}

func (s *sink) Close(ctx context.Context) error { return nil }

func encodeKey(id versionmgr.VersionID) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(id))
	return k
}

// entryWireSize is the on-disk record layout: u32 id, u32 parent_id,
// u64 size_hint, u32 attachment_tag (spec's persisted layout, §6).
const entryWireSize = 4 + 4 + 8 + 4

func encodeEntry(e versionmgr.Entry) []byte {
	buf := make([]byte, entryWireSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.ID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.ParentID))
	binary.BigEndian.PutUint64(buf[8:16], e.SizeHint)
	binary.BigEndian.PutUint32(buf[16:20], uint32(e.AttachmentTag))
	return buf
}

func decodeEntry(buf []byte) (versionmgr.Entry, error) {
	if len(buf) != entryWireSize {
		return versionmgr.Entry{}, fmt.Errorf("unexpected record size %d, want %d", len(buf), entryWireSize)
	}
	return versionmgr.Entry{
		ID:            versionmgr.VersionID(binary.BigEndian.Uint32(buf[0:4])),
		ParentID:      versionmgr.VersionID(binary.BigEndian.Uint32(buf[4:8])),
		SizeHint:      binary.BigEndian.Uint64(buf[8:16]),
		AttachmentTag: versionmgr.AttachmentTag(binary.BigEndian.Uint32(buf[16:20])),
	}, nil
}
