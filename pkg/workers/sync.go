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
	"time"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/runtime"
	"evr-attr-index/pkg/storageclient"
	"evr-attr-index/pkg/xslt"
)

// Sync implements §4.7: it keeps a live index up to date and
// republishes a self-consistent "current index" snapshot for the
// query server to read. A DB open failure here is fatal to the
// process (§7's "index corruption / DB open failure"); every other
// error -- transient I/O against the storage server -- is handled by
// closing and reopening the affected connection, relying on the
// overlap window to redeliver anything not yet reflected in
// last_indexed_claim_ts.
func Sync(ctx context.Context, rt *runtime.Runtime, deps Deps) error {
	specRef, ok := rt.IndexHandover.Pop(ctx)
	if !ok {
		return ctx.Err()
	}
	for {
		next, err := syncIndex(ctx, rt, deps, specRef)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		specRef = next
	}
}

// syncIndex opens the index named by specRef, publishes it as the
// current index, and serves it -- merging claim-sets as they arrive
// and periodically retrying the failed-claim-set queue -- until the
// index handover reports a newer index (whose reference is returned
// for the caller to open next) or ctx is done.
func syncIndex(ctx context.Context, rt *runtime.Runtime, deps Deps, specRef blob.Ref) (blob.Ref, error) {
	dir := deps.indexDir(specRef)
	idx, err := openIndex(deps, specRef)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("sync: opening index %v: %v", specRef, err)
	}
	closeIdx := true
	defer func() {
		if closeIdx {
			idx.Close()
		}
	}()

	spec, err := fetchSpec(ctx, deps.Storage, specRef)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("sync: fetching attr-spec %v: %v", specRef, err)
	}

	sheet, err := deps.Storage.FetchStylesheet(ctx, spec.Stylesheet, deps.Processor, dir)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("sync: fetching stylesheet for %v: %v", specRef, err)
	}
	closeSheet := true
	defer func() {
		if closeSheet {
			sheet.Close()
		}
	}()

	// Publish before anything is torn down: the current-index slot
	// must never expose a gap between an old index closing and the
	// new one becoming visible.
	if !rt.CurrentIndex.Publish(&runtime.CurrentIndex{SpecRef: specRef, Spec: spec, Index: idx, Sheet: sheet}) {
		return blob.Ref{}, ctx.Err()
	}
	log.Printf("sync: now serving index %v", specRef)

	lastClaimTS, err := idx.GetState(attrindex.StateLastIndexedClaimTS)
	if err != nil {
		return blob.Ref{}, fmt.Errorf("sync: reading watermark for %v: %v", specRef, err)
	}

	var lastReindex time.Time
	for {
		filter := storageclient.Filter{
			FlagsFilter:       uint64(storageclient.FlagClaim),
			LastModifiedAfter: overlapFloor(lastClaimTS, deps.WatchOverlap),
		}
		watch, err := deps.Storage.WatchBlobs(ctx, filter)
		if err != nil {
			log.Printf("sync: opening claim watch for %v: %v", specRef, err)
			if err := deps.Storage.WaitReconnect(ctx); err != nil {
				return blob.Ref{}, err
			}
			continue
		}

		newerRef, serveErr := serve(ctx, rt, idx, spec, sheet, deps, watch, &lastClaimTS, &lastReindex)
		watch.Close()
		if serveErr != nil {
			if err := ctx.Err(); err != nil {
				return blob.Ref{}, err
			}
			log.Printf("sync: claim watch for %v: %v", specRef, serveErr)
			if err := deps.Storage.WaitReconnect(ctx); err != nil {
				return blob.Ref{}, err
			}
			continue
		}
		if newerRef != (blob.Ref{}) {
			// Ownership of idx and sheet passes to the next
			// iteration's syncIndex call for the new spec.
			closeIdx, closeSheet = false, false
			idx.Close()
			sheet.Close()
			return newerRef, nil
		}
	}
}

type watchResult struct {
	rec storageclient.WatchRecord
	err error
}

// watchChannel runs a single dedicated reader goroutine over watch
// and fans its records out on a channel, so serve's select loop never
// issues more than one concurrent Next call against the connection.
func watchChannel(ctx context.Context, watch *storageclient.Watch) <-chan watchResult {
	ch := make(chan watchResult)
	go func() {
		for {
			rec, err := watch.Next(ctx)
			select {
			case ch <- watchResult{rec, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// serve runs the select loop of §4.7 step 5: merging arriving claim
// records, periodically retrying the failed queue on a 1-second tick,
// and -- between iterations -- polling whether a newer index has been
// handed over. It returns a non-zero blob.Ref (the newer spec) when a
// swap is due, or an error otherwise (propagated by the caller as a
// watch reconnect).
func serve(ctx context.Context, rt *runtime.Runtime, idx *attrindex.Index, spec *claims.AttrSpecClaim, sheet xslt.Stylesheet, deps Deps, watch *storageclient.Watch, lastClaimTS *uint64, lastReindex *time.Time) (blob.Ref, error) {
	records := watchChannel(ctx, watch)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case res := <-records:
			if res.err != nil {
				return blob.Ref{}, res.err
			}
			if err := mergeRecord(ctx, idx, spec, sheet, deps.Storage, res.rec); err != nil {
				return blob.Ref{}, err
			}
			// mergeRecord already clamped the persisted watermark to a
			// max; the in-memory copy used to build the next watch
			// filter must stay in lockstep, or overlapFloor would widen
			// again on a record the overlap window already re-delivered.
			if res.rec.LastModified > *lastClaimTS {
				*lastClaimTS = res.rec.LastModified
			}

		case <-ticker.C:
			now := time.Now()
			if deps.ReindexInterval > 0 && now.Sub(*lastReindex) >= deps.ReindexInterval {
				fetchDoc := func(ctx context.Context, ref blob.Ref) ([]byte, error) {
					return deps.Storage.FetchVerifiedXML(ctx, ref)
				}
				if err := idx.ReindexFailed(ctx, spec, sheet, now, fetchDoc); err != nil {
					log.Printf("sync: reindex-failed: %v", err)
				}
				*lastReindex = now
			}

		case <-ctx.Done():
			return blob.Ref{}, ctx.Err()
		}

		if newerRef, ok := rt.IndexHandover.TryPop(); ok {
			return newerRef, nil
		}
	}
}
