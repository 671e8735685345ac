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

// Package cleanup runs detached follow-up work that must finish even if the
// caller that triggered it has already gone away.
package cleanup

import (
	"context"
	"time"
)

// timeout bounds detached work. Phase C registration is a bounded operation
// against an in-process adapter, so 10 seconds is generous rather than
// tight.
const timeout = 10 * time.Second

// Do runs fn with a context that outlives ctx's cancellation but still
// times out on its own, so a caller that disconnects mid-operation doesn't
// leave the forest half-notified: a version that was linked and numbered
// under the lock still gets its presentation-layer registration.
func Do(ctx context.Context, fn func(context.Context)) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	fn(detached)
}
