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

// Package versionmgr maintains a persistent forest of versions (snapshots
// and clones of a block device) with parent/child linkage reconstructed
// from an unordered stream, DFS enter/exit numbering for O(1) ancestry and
// ordering tests, and leaf-driven subtree deletion.
//
// Callers never see raw forest pointers: every read returns a copy of the
// requested fields. Persistence and presentation/event-bus integration are
// external collaborators, expressed here only as the PersistenceSource,
// PersistenceSink, and Notifier interfaces.
package versionmgr
