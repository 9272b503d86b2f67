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

// Package workers implements the three long-lived loops that keep an
// attribute index current: watch-specs discovers the administrator's
// latest attr-spec, build-index bootstraps a fresh index from it, and
// sync keeps a built index live and republishes it for the query
// server. Each is a runtime.Worker, meant to run under a
// runtime.Runtime's errgroup.
package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/jsonconfig"
	"evr-attr-index/pkg/sorted"
	"evr-attr-index/pkg/storageclient"
	"evr-attr-index/pkg/xslt"
)

// Deps bundles everything the three workers need to reach outside the
// process. A Deps value is shared read-only across all three worker
// goroutines; nothing in it is mutated after construction.
type Deps struct {
	Storage   *storageclient.Client
	Processor *xslt.Processor

	// StateDir is the directory under which every index directory
	// lives, one subdirectory per attr-spec blob reference.
	StateDir string

	// WatchOverlap bounds how far behind last_indexed_claim_ts a
	// reopened claim watch starts from, guarding against a race
	// between a claim-set's arrival and the watermark being
	// persisted. Spec default: 600 seconds.
	WatchOverlap time.Duration

	// ReindexInterval is how often the sync worker retries the
	// failed-claim-set queue. Spec default: 300 seconds.
	ReindexInterval time.Duration

	// IndexType names the pkg/sorted backend opened for every
	// attr-spec's index: "kv", "sqlite", "mysql" or "postgres". Empty
	// is treated as "kv", the zero-config default.
	IndexType string

	// IndexDBUser, IndexDBPassword, IndexDBHost and IndexDBSSLMode
	// configure the mysql/postgres backends; unused by kv/sqlite.
	IndexDBUser     string
	IndexDBPassword string
	IndexDBHost     string
	IndexDBSSLMode  string

	// Verbose gates high-volume per-record tracing, mirroring the
	// original daemon's debug/error log split.
	Verbose bool
}

func (d Deps) indexDir(specRef blob.Ref) string {
	return filepath.Join(d.StateDir, specRef.String())
}

// indexDBName derives a per-attr-spec database name for the mysql and
// postgres backends, which share one server across every index rather
// than one file per index like kv/sqlite. 16 hex digits (64 bits) of
// the spec's blob reference keeps it well under typical identifier
// length limits while remaining collision-resistant.
func indexDBName(specRef blob.Ref) string {
	return "evrattr_" + specRef.String()[:16]
}

// openIndex creates (if needed) an index's directory and opens its
// backing sorted.KeyValue -- the backend named by deps.IndexType,
// registered via that package's init() (see the blank imports in
// cmd/evr-attr-index) -- wrapped in an attrindex.Index. The caller
// owns the returned Index and must Close it.
func openIndex(deps Deps, specRef blob.Ref) (*attrindex.Index, error) {
	dir := deps.indexDir(specRef)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory %s: %v", dir, err)
	}

	typ := deps.IndexType
	if typ == "" {
		typ = "kv"
	}
	cfg := jsonconfig.Obj{"type": typ}
	switch typ {
	case "kv":
		cfg["file"] = filepath.Join(dir, "index.kv")
	case "sqlite":
		cfg["file"] = filepath.Join(dir, "index.sqlite")
	case "mysql", "postgres":
		cfg["user"] = deps.IndexDBUser
		cfg["password"] = deps.IndexDBPassword
		cfg["database"] = indexDBName(specRef)
		if deps.IndexDBHost != "" {
			cfg["host"] = deps.IndexDBHost
		}
		if typ == "postgres" && deps.IndexDBSSLMode != "" {
			cfg["sslmode"] = deps.IndexDBSSLMode
		}
	}

	kv, err := sorted.NewKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s index storage under %s: %v", typ, dir, err)
	}
	return attrindex.Open(kv), nil
}

// overlapFloor computes max(0, lastIndexedClaimTS - overlap), the
// watch filter's last_modified_after per §4.6/§4.7's overlap rule.
func overlapFloor(lastIndexedClaimTS uint64, overlap time.Duration) uint64 {
	o := uint64(overlap / time.Second)
	if lastIndexedClaimTS < o {
		return 0
	}
	return lastIndexedClaimTS - o
}

// fetchSpec re-fetches and parses an attr-spec claim-set by reference,
// returning the attr-spec claim it contains. Used when a worker only
// has the blob reference (from a handover) and needs the full claim
// again, e.g. after a process restart resumes mid-build.
func fetchSpec(ctx context.Context, storage *storageclient.Client, specRef blob.Ref) (*claims.AttrSpecClaim, error) {
	cs, err := storage.FetchSignedXML(ctx, specRef)
	if err != nil {
		return nil, err
	}
	for _, c := range cs.Claims {
		if as, ok := c.(*claims.AttrSpecClaim); ok {
			return as, nil
		}
	}
	return nil, fmt.Errorf("claim-set %v has no attr-spec claim", specRef)
}

// mergeRecord fetches the verified claim-set document a watch record
// names and merges it into idx. A fetch failure is transient I/O per
// §7: it is returned to the caller, whose policy is to close and
// reopen the watch connection and rely on the overlap window to
// redeliver the record.
func mergeRecord(ctx context.Context, idx *attrindex.Index, spec *claims.AttrSpecClaim, sheet xslt.Stylesheet, storage *storageclient.Client, rec storageclient.WatchRecord) error {
	doc, err := storage.FetchVerifiedXML(ctx, rec.Ref)
	if err != nil {
		return fmt.Errorf("fetching claim-set %v: %v", rec.Ref, err)
	}
	if _, err := idx.MergeClaimSet(ctx, spec, sheet, time.Now(), rec.Ref, rec.LastModified, doc, false); err != nil {
		return fmt.Errorf("merging claim-set %v: %v", rec.Ref, err)
	}
	// The overlap window deliberately re-delivers records at or below
	// the current watermark on every watch (re)open; only a strictly
	// newer last_modified may advance it, or the watermark would regress
	// on every reconnect instead of only ever moving forward.
	current, err := idx.GetState(attrindex.StateLastIndexedClaimTS)
	if err != nil {
		return fmt.Errorf("reading watermark before merging %v: %v", rec.Ref, err)
	}
	if rec.LastModified > current {
		if err := idx.SetState(attrindex.StateLastIndexedClaimTS, rec.LastModified); err != nil {
			return fmt.Errorf("advancing watermark past %v: %v", rec.Ref, err)
		}
	}
	return nil
}
