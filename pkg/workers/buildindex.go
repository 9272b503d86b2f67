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
	"fmt"
	"log"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/runtime"
	"evr-attr-index/pkg/storageclient"
)

// BuildIndex implements §4.6: it waits for the watch-specs worker's
// latest attr-spec, bootstraps a fresh index directory for it (or
// resumes one left half-built by a prior process), and on success
// hands the spec's blob reference to the sync worker.
//
// A bootstrap failure is logged and the loop returns to waiting for
// the next attr-spec; it is not escalated to the process, since a
// single bad attr-spec (an unreachable stylesheet blob, say) should
// not take down a process that may still be serving an
// already-running sync worker from a previous build.
func BuildIndex(ctx context.Context, rt *runtime.Runtime, deps Deps) error {
	for {
		payload, ok := rt.AttrSpecHandover.Pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := buildOne(ctx, rt, deps, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("build-index: %v", err)
		}
	}
}

func buildOne(ctx context.Context, rt *runtime.Runtime, deps Deps, payload runtime.AttrSpecPayload) error {
	dir := deps.indexDir(payload.SpecRef)
	idx, err := openIndex(deps, payload.SpecRef)
	if err != nil {
		return fmt.Errorf("opening index for %v: %v", payload.SpecRef, err)
	}
	defer idx.Close()

	if err := idx.Setup(payload.Spec); err != nil {
		return fmt.Errorf("setup %v: %v", payload.SpecRef, err)
	}
	if err := idx.Prepare(); err != nil {
		return fmt.Errorf("prepare %v: %v", payload.SpecRef, err)
	}

	stage, err := idx.GetState(attrindex.StateStage)
	if err != nil {
		return fmt.Errorf("reading stage for %v: %v", payload.SpecRef, err)
	}

	if stage != attrindex.StageBuilt {
		if err := bootstrap(ctx, idx, payload.Spec, deps, dir); err != nil {
			return fmt.Errorf("bootstrapping %v: %v", payload.SpecRef, err)
		}
		if err := idx.SetState(attrindex.StateStage, attrindex.StageBuilt); err != nil {
			return fmt.Errorf("marking %v built: %v", payload.SpecRef, err)
		}
	}

	log.Printf("build-index: index %v ready", payload.SpecRef)
	if !rt.IndexHandover.Push(ctx, payload.SpecRef) {
		return ctx.Err()
	}
	return nil
}

// bootstrap merges every claim-set in the backlog (as of the moment
// the watch opens) into idx, then returns once the watch reports
// end-of-backlog. It does not consume live records past that point;
// the sync worker takes over from last_indexed_claim_ts.
func bootstrap(ctx context.Context, idx *attrindex.Index, spec *claims.AttrSpecClaim, deps Deps, dir string) error {
	sheet, err := deps.Storage.FetchStylesheet(ctx, spec.Stylesheet, deps.Processor, dir)
	if err != nil {
		return fmt.Errorf("fetching stylesheet: %v", err)
	}
	defer sheet.Close()

	last, err := idx.GetState(attrindex.StateLastIndexedClaimTS)
	if err != nil {
		return fmt.Errorf("reading watermark: %v", err)
	}
	filter := storageclient.Filter{
		FlagsFilter:       uint64(storageclient.FlagClaim),
		LastModifiedAfter: overlapFloor(last, deps.WatchOverlap),
	}
	watch, err := deps.Storage.WatchBlobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("opening claim watch: %v", err)
	}
	defer watch.Close()

	for {
		rec, err := watch.Next(ctx)
		if err != nil {
			return fmt.Errorf("claim watch: %v", err)
		}
		// The end-of-backlog flag marks a real record, not a bare
		// sentinel: merge it before checking whether it ends the
		// backlog.
		if err := mergeRecord(ctx, idx, spec, sheet, deps.Storage, rec); err != nil {
			return err
		}
		if rec.EndOfBacklog() {
			return nil
		}
	}
}
