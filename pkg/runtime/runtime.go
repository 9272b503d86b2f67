/*
Copyright 2024 The evr-attr-index Authors.

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

// Package runtime holds the process-wide state that spec §9 warns
// against leaving as implicit globals: the shutdown signal every
// worker polls around its blocking waits, the handovers that connect
// them, and the current-index slot the query server reads. All of it
// lives on one Runtime value, constructed once by main and threaded
// explicitly to every worker -- never a package-level variable.
package runtime

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/handover"
	"evr-attr-index/pkg/xslt"
)

// AttrSpecPayload is handed from the watch-specs worker to the
// build-index worker: the latest-by-created-timestamp attr-spec claim
// seen so far, per §4.5.
type AttrSpecPayload struct {
	SpecRef blob.Ref
	Spec    *claims.AttrSpecClaim
	Created time.Time
}

// CurrentIndex is what the sync worker publishes for query-server
// connections to read: a live index, its compiled stylesheet, and the
// attr-spec that produced them. It is always occupied once the first
// index has been built; reads are non-destructive (Runtime.CurrentIndex.Peek).
type CurrentIndex struct {
	SpecRef blob.Ref
	Spec    *claims.AttrSpecClaim
	Index   *attrindex.Index
	Sheet   xslt.Stylesheet
}

// Runtime is the explicit, non-global home for everything §9 calls out
// as shared mutable state or cross-worker ownership. The zero Runtime
// is not usable; construct one with New.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	// AttrSpecHandover carries the watch-specs worker's latest
	// attr-spec to the build-index worker (§4.5 step 3, §4.6 step 1).
	AttrSpecHandover *handover.Handover[AttrSpecPayload]

	// IndexHandover carries a freshly bootstrapped index's attr-spec
	// blob reference from the build-index worker to the sync worker
	// (§4.6 step 5, §4.7 step 1), and again on every later rebuild
	// (§4.7 step 5's "newly occupied" check).
	IndexHandover *handover.Handover[blob.Ref]

	// CurrentIndex is the always-occupied-after-first-publish slot the
	// query server reads non-destructively (§4.7 step 2).
	CurrentIndex *handover.Handover[*CurrentIndex]
}

// New constructs a Runtime whose shutdown is driven by Shutdown, which
// cancels its root context (called from the signal handler in
// cmd/evr-attr-index).
func New() *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		ctx:              ctx,
		cancel:           cancel,
		AttrSpecHandover: handover.New[AttrSpecPayload](),
		IndexHandover:    handover.New[blob.Ref](),
		CurrentIndex:     handover.New[*CurrentIndex](),
	}
}

// Context returns the runtime's root context. Workers select on its
// Done channel around their own blocking waits, the idiomatic Go
// reading of §4.4's "shared atomic running flag every worker polls".
func (r *Runtime) Context() context.Context {
	return r.ctx
}

// Shutdown cancels the runtime's context and stops every handover,
// unblocking any worker parked in a blocking wait so it can return.
// Shutdown is safe to call more than once.
func (r *Runtime) Shutdown() {
	r.cancel()
	r.AttrSpecHandover.Stop()
	r.IndexHandover.Stop()
	r.CurrentIndex.Stop()
}

// Worker is one of the long-lived loops Run supervises. It must return
// promptly once ctx is done.
type Worker func(ctx context.Context) error

// Run starts every worker under an errgroup.Group seeded with the
// runtime's context: if any worker returns a non-nil error, the
// group's derived context is cancelled, the other workers observe it
// on their next blocking wait and return, and Run propagates the
// first error once all of them have exited. This is the supervision
// §2 describes as five long-lived threads coordinated by the process,
// expressed with the one teacher-pack library built exactly for it.
func (r *Runtime) Run(workers ...Worker) error {
	g, ctx := errgroup.WithContext(r.ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w(ctx) })
	}
	return g.Wait()
}
