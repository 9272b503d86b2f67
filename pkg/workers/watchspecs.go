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

package workers

import (
	"context"
	"log"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/runtime"
	"evr-attr-index/pkg/storageclient"
)

// WatchSpecs implements §4.5: it watches for index-rule blobs, tracks
// the attr-spec claim with the latest `created` timestamp seen since
// the last end-of-backlog marker, and hands the winner to the
// build-index worker. "Latest wins by created" reflects that attr-spec
// publication is an administrative act: the intent is the newest
// valid declaration, not the newest blob to land on disk.
//
// A lost watch connection (transient I/O, §7) is reopened on the next
// iteration; nothing here is persisted, so a restart simply rescans
// the whole index-rule backlog from the beginning.
func WatchSpecs(ctx context.Context, rt *runtime.Runtime, deps Deps) error {
	w := &specWatcher{rt: rt, deps: deps, seen: make(map[blob.Ref]bool)}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		watch, err := deps.Storage.WatchBlobs(ctx, storageclient.Filter{
			FlagsFilter: uint64(storageclient.FlagIndexRule),
		})
		if err != nil {
			log.Printf("watch-specs: opening watch: %v", err)
			if err := deps.Storage.WaitReconnect(ctx); err != nil {
				return err
			}
			continue
		}
		err = w.run(ctx, watch)
		watch.Close()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("watch-specs: watch stream: %v", err)
			if err := deps.Storage.WaitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

type specWatcher struct {
	rt        *runtime.Runtime
	deps      Deps
	seen      map[blob.Ref]bool
	candidate *runtime.AttrSpecPayload
}

func (w *specWatcher) run(ctx context.Context, watch *storageclient.Watch) error {
	for {
		rec, err := watch.Next(ctx)
		if err != nil {
			return err
		}
		if !w.seen[rec.Ref] {
			w.seen[rec.Ref] = true
			w.consider(ctx, rec.Ref)
		}
		if rec.EndOfBacklog() && w.candidate != nil {
			if w.deps.Verbose {
				log.Printf("watch-specs: publishing attr-spec %v (created %s)", w.candidate.SpecRef, w.candidate.Created)
			}
			if !w.rt.AttrSpecHandover.Push(ctx, *w.candidate) {
				return ctx.Err()
			}
			w.candidate = nil
		}
	}
}

func (w *specWatcher) consider(ctx context.Context, ref blob.Ref) {
	cs, err := w.deps.Storage.FetchSignedXML(ctx, ref)
	if err != nil {
		log.Printf("watch-specs: fetching %v: %v", ref, err)
		return
	}
	for _, c := range cs.Claims {
		as, ok := c.(*claims.AttrSpecClaim)
		if !ok {
			continue
		}
		if w.candidate == nil || cs.Created.After(w.candidate.Created) {
			w.candidate = &runtime.AttrSpecPayload{SpecRef: ref, Spec: as, Created: cs.Created}
		}
	}
}
