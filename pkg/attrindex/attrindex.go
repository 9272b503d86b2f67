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

// Package attrindex is the durable attribute index: a schema and set
// of transactional operations layered over a pkg/sorted.KeyValue
// handle. One Index corresponds to one attr-spec; its identity is the
// attr-spec's blob reference, expressed by callers as the directory
// (or DSN) they open the backing KeyValue under, never stored inside
// the index itself.
package attrindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claimref"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/queryexpr"
	"evr-attr-index/pkg/sorted"
	"evr-attr-index/pkg/xslt"
)

// State keys, per §6's persisted index layout.
const (
	StateStage              = "stage"
	StateLastIndexedClaimTS = "last_indexed_claim_ts"
	stateNextFailedSeq      = "next_failed_seq" // internal: failed-queue sequence allocator
)

// Stage values for the StateStage key.
const (
	StageInitial uint64 = 0
	StageBuilt   uint64 = 1
)

// Index is one attr-spec's attribute index, opened over an already
// constructed KeyValue handle. The zero Index is not usable; construct
// one with Open.
type Index struct {
	kv sorted.KeyValue
}

// Open wraps an already-opened KeyValue backend as an Index. The
// caller is responsible for choosing the backend and its storage
// location (by convention, a directory named by the attr-spec's blob
// reference under the configured state directory); Index itself is
// agnostic to where its bytes live.
func Open(kv sorted.KeyValue) *Index {
	return &Index{kv: kv}
}

// Close releases the underlying KeyValue handle.
func (x *Index) Close() error {
	return x.kv.Close()
}

// Setup idempotently initializes the state table. It is required only
// on first open of a given index directory; subsequent opens should
// call Prepare instead.
//
// Unlike a SQL backend, a sorted.KeyValue has no columns to create: the
// "schema derived from the spec's attribute definitions" is expressed
// entirely by the key layout in keys.go, which is fixed regardless of
// which attributes a given attr-spec declares. spec's attribute
// definitions are not otherwise persisted; declaring an attribute
// affects only what the stylesheet emits, never the index's storage
// shape.
func (x *Index) Setup(spec *claims.AttrSpecClaim) error {
	_, err := x.kv.Get(stateKey(StateStage))
	switch err {
	case nil:
		return nil // already initialized; setup is idempotent
	case sorted.ErrNotFound:
	default:
		return fmt.Errorf("attrindex: setup: checking stage: %v", err)
	}

	b := x.kv.BeginBatch()
	b.Set(stateKey(StateStage), strconv.FormatUint(StageInitial, 10))
	b.Set(stateKey(StateLastIndexedClaimTS), "0")
	b.Set(stateKey(stateNextFailedSeq), "0")
	if err := x.kv.CommitBatch(b); err != nil {
		return fmt.Errorf("attrindex: setup: %v", err)
	}
	return nil
}

// Prepare readies the index for read/write operations after an open.
// A sorted.KeyValue has no prepared statements to bind; Prepare's job
// is to fail fast if the caller forgot to Setup a fresh index
// directory, rather than let the first real operation surface a
// confusing ErrNotFound.
func (x *Index) Prepare() error {
	if _, err := x.GetState(StateStage); err != nil {
		return fmt.Errorf("attrindex: prepare: %v", err)
	}
	return nil
}

// GetState reads one of the integer state keys (StateStage,
// StateLastIndexedClaimTS).
func (x *Index) GetState(key string) (uint64, error) {
	s, err := x.kv.Get(stateKey(key))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attrindex: state %q: malformed value %q: %v", key, s, err)
	}
	return v, nil
}

// SetState writes one of the integer state keys.
func (x *Index) SetState(key string, value uint64) error {
	return x.kv.Set(stateKey(key), strconv.FormatUint(value, 10))
}

// FailedEntry is one row of the failed-claim-set retry queue.
type FailedEntry struct {
	ClaimSetRef   blob.Ref
	FirstFailedAt time.Time
	LastAttemptAt time.Time
}

// FetchDocFunc re-fetches a claim-set's verified XML document by
// reference, for ReindexFailed. Callers typically pass
// storageclient.Client.FetchVerifiedXML's byte payload, refetched fresh
// each reindex tick.
type FetchDocFunc func(ctx context.Context, ref blob.Ref) ([]byte, error)

// MergeClaimSet applies stylesheet to claimSetDoc, then merges every
// resulting attr claim's operations into the index, atomically: either
// every operation commits or none does. On transformation failure,
// parse failure, or a failed commit, the claim-set reference is
// recorded in the failed queue (unless isReindex is set, in which case
// the caller -- ReindexFailed -- owns updating the existing entry) and
// merged is reported false with a nil error; a non-nil error return
// indicates the index itself could not be written to, which is fatal
// to the caller's worker loop.
//
// spec is accepted for interface symmetry with §4.3 and so a future
// backend can validate attribute types against it; today's merge
// doesn't consult it, since the key layout in keys.go needs no
// per-attribute schema to store tuples of an arbitrary key.
//
// lastModified is the watch record's last_modified value and is used
// only when isReindex is false: if claimSetRef was already merged at
// this exact lastModified, the call is a no-op that reports
// merged=true without re-applying anything, guarding against the sync
// worker's overlap window redelivering a record it already applied.
// Reindex retries have no associated lastModified and always run.
func (x *Index) MergeClaimSet(ctx context.Context, spec *claims.AttrSpecClaim, stylesheet xslt.Stylesheet, now time.Time, claimSetRef blob.Ref, lastModified uint64, claimSetDoc []byte, isReindex bool) (merged bool, err error) {
	if !isReindex {
		prev, ok, gerr := x.getMerged(claimSetRef)
		if gerr != nil {
			return false, fmt.Errorf("attrindex: checking merge dedup state for %v: %v", claimSetRef, gerr)
		}
		if ok && prev == lastModified {
			return true, nil
		}
	}

	transformed, terr := stylesheet.Apply(ctx, claimSetDoc)
	if terr != nil {
		return x.handleMergeFailure(claimSetRef, now, isReindex, fmt.Errorf("transform: %v", terr))
	}
	cs, perr := claims.Parse(transformed, claimSetRef)
	if perr != nil {
		return x.handleMergeFailure(claimSetRef, now, isReindex, fmt.Errorf("parsing transformed document: %v", perr))
	}

	m := newMergeState()
	for _, c := range cs.Claims {
		ac, ok := c.(*claims.AttrClaim)
		if !ok {
			continue
		}
		claimingRef := claimref.Self(claimSetRef, ac.Index)
		for _, op := range ac.Ops {
			if err := m.applyOp(x, ac.Target, op); err != nil {
				return x.handleMergeFailure(claimSetRef, now, isReindex, err)
			}
		}
		m.noteClaim(ac.Target, claimingRef)
	}

	b := x.kv.BeginBatch()
	m.flush(b)
	if !isReindex {
		b.Set(mergedKey(claimSetRef), strconv.FormatUint(lastModified, 10))
	}
	if err := x.kv.CommitBatch(b); err != nil {
		return x.handleMergeFailure(claimSetRef, now, isReindex, fmt.Errorf("commit: %v", err))
	}
	return true, nil
}

// getMerged reports the lastModified value last recorded as merged
// for ref, if any.
func (x *Index) getMerged(ref blob.Ref) (uint64, bool, error) {
	v, err := x.kv.Get(mergedKey(ref))
	if err == sorted.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing merged marker: %v", err)
	}
	return n, true, nil
}

func (x *Index) handleMergeFailure(claimSetRef blob.Ref, now time.Time, isReindex bool, cause error) (bool, error) {
	if isReindex {
		// The failed entry already exists; ReindexFailed updates its
		// attempt timestamp itself once MergeClaimSet returns.
		return false, nil
	}
	if err := x.insertFailed(claimSetRef, now); err != nil {
		return false, fmt.Errorf("attrindex: merge %v failed (%v), and recording the failure also failed: %v", claimSetRef, cause, err)
	}
	return false, nil
}

func (x *Index) insertFailed(ref blob.Ref, now time.Time) error {
	seq, err := x.GetState(stateNextFailedSeq)
	if err != nil {
		return fmt.Errorf("allocating failed-queue sequence: %v", err)
	}
	unix := uint64(now.Unix())
	b := x.kv.BeginBatch()
	b.Set(failedKey(seq), encodeFailedEntry(ref, unix, unix))
	b.Set(stateKey(stateNextFailedSeq), strconv.FormatUint(seq+1, 10))
	if err := x.kv.CommitBatch(b); err != nil {
		return fmt.Errorf("recording failed claim-set %v: %v", ref, err)
	}
	return nil
}

// ReindexFailed walks the failed-claim-set queue in insertion order,
// re-fetching and retrying each entry via fetchDoc and MergeClaimSet.
// Entries that succeed are removed; entries that fail again have their
// attempt timestamp updated in place.
func (x *Index) ReindexFailed(ctx context.Context, spec *claims.AttrSpecClaim, stylesheet xslt.Stylesheet, now time.Time, fetchDoc FetchDocFunc) error {
	entries, err := x.listFailed()
	if err != nil {
		return fmt.Errorf("attrindex: reindex_failed: %v", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, ferr := fetchDoc(ctx, e.entry.ClaimSetRef)
		if ferr != nil {
			if err := x.touchFailed(e.key, e.entry, now); err != nil {
				return fmt.Errorf("attrindex: reindex_failed: %v", err)
			}
			continue
		}
		merged, err := x.MergeClaimSet(ctx, spec, stylesheet, now, e.entry.ClaimSetRef, 0, doc, true)
		if err != nil {
			return err
		}
		if merged {
			if err := x.kv.Delete(e.key); err != nil {
				return fmt.Errorf("attrindex: reindex_failed: clearing %v: %v", e.entry.ClaimSetRef, err)
			}
			continue
		}
		if err := x.touchFailed(e.key, e.entry, now); err != nil {
			return fmt.Errorf("attrindex: reindex_failed: %v", err)
		}
	}
	return nil
}

type failedRow struct {
	key   string
	entry FailedEntry
}

func (x *Index) listFailed() ([]failedRow, error) {
	it := x.kv.Find(failedPrefix)
	var rows []failedRow
	for it.Next() {
		k := it.Key()
		if !strings.HasPrefix(k, failedPrefix) {
			break
		}
		entry, err := decodeFailedEntry(it.Value())
		if err != nil {
			continue // corrupt row; skip rather than wedge the whole queue
		}
		rows = append(rows, failedRow{key: k, entry: entry})
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("scanning failed queue: %v", err)
	}
	return rows, nil
}

func (x *Index) touchFailed(key string, entry FailedEntry, now time.Time) error {
	return x.kv.Set(key, encodeFailedEntry(entry.ClaimSetRef, uint64(entry.FirstFailedAt.Unix()), uint64(now.Unix())))
}

func encodeFailedEntry(ref blob.Ref, firstFailedUnix, lastAttemptUnix uint64) string {
	return strings.Join([]string{
		ref.String(),
		strconv.FormatUint(firstFailedUnix, 10),
		strconv.FormatUint(lastAttemptUnix, 10),
	}, "|")
}

func decodeFailedEntry(s string) (FailedEntry, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return FailedEntry{}, fmt.Errorf("malformed failed-queue entry %q", s)
	}
	ref, ok := blob.Parse(parts[0])
	if !ok {
		return FailedEntry{}, fmt.Errorf("malformed failed-queue entry %q: bad blob reference", s)
	}
	first, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return FailedEntry{}, fmt.Errorf("malformed failed-queue entry %q: %v", s, err)
	}
	last, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return FailedEntry{}, fmt.Errorf("malformed failed-queue entry %q: %v", s, err)
	}
	return FailedEntry{
		ClaimSetRef:   ref,
		FirstFailedAt: time.Unix(int64(first), 0).UTC(),
		LastAttemptAt: time.Unix(int64(last), 0).UTC(),
	}, nil
}

// QueryResult is one matching target emitted by Query: its claim
// reference and its complete, current attribute tuple set.
type QueryResult struct {
	Target claimref.Ref
	Tuples map[string][]string
}

// StatusFunc reports a query's parse outcome, once, before any result.
type StatusFunc func(ok bool, msg string)

// ResultFunc receives one matching result. Returning an error aborts
// the query and is propagated by Query.
type ResultFunc func(QueryResult) error

// Query parses queryText, reports the parse outcome via status, and
// (on successful parse) streams every target whose tuples satisfy the
// parsed expression to result.
func (x *Index) Query(ctx context.Context, queryText string, status StatusFunc, result ResultFunc) error {
	expr, err := queryexpr.Parse(queryText)
	if err != nil {
		status(false, err.Error())
		return nil
	}
	status(true, "")

	targets, err := x.candidateTargets(expr)
	if err != nil {
		return fmt.Errorf("attrindex: query: %v", err)
	}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		tuples, err := x.loadAllTuples(target)
		if err != nil {
			return fmt.Errorf("attrindex: query: loading tuples for %v: %v", target, err)
		}
		if !expr.Match(tuples) {
			continue
		}
		if err := result(QueryResult{Target: target, Tuples: tuples}); err != nil {
			return err
		}
	}
	return nil
}

// candidateTargets narrows the full target space using the query's
// first predicate (an inverted-index prefix scan), falling back to a
// full enumeration of every indexed target for a predicate-less query.
// Every candidate is re-checked against the complete expression (every
// predicate, not just the first) in Query, so narrowing on one
// predicate only ever trims work, never affects correctness.
func (x *Index) candidateTargets(expr *queryexpr.Expr) ([]claimref.Ref, error) {
	if len(expr.Predicates) == 0 {
		return x.allSeedTargets()
	}
	first := expr.Predicates[0]
	prefix := byAttrPrefix(first.Key, first.Value)
	it := x.kv.Find(prefix)
	var targets []claimref.Ref
	for it.Next() {
		k := it.Key()
		if !strings.HasPrefix(k, prefix) {
			break
		}
		ref, ok := claimref.Parse(strings.TrimPrefix(k, prefix))
		if !ok {
			continue
		}
		targets = append(targets, ref)
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("scanning by-attribute index: %v", err)
	}
	return targets, nil
}

func (x *Index) allSeedTargets() ([]claimref.Ref, error) {
	it := x.kv.Find(seedPrefix)
	var targets []claimref.Ref
	for it.Next() {
		k := it.Key()
		if !strings.HasPrefix(k, seedPrefix) {
			break
		}
		ref, ok := seedTargetFromKey(k)
		if !ok {
			continue
		}
		targets = append(targets, ref)
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("scanning seed index: %v", err)
	}
	return targets, nil
}

func (x *Index) loadAllTuples(target claimref.Ref) (map[string][]string, error) {
	prefix := targetTuplePrefix(target)
	it := x.kv.Find(prefix)
	tuples := map[string][]string{}
	for it.Next() {
		k := it.Key()
		if !strings.HasPrefix(k, prefix) {
			break
		}
		key, value, ok := splitTupleKey(strings.TrimPrefix(k, prefix))
		if !ok {
			continue
		}
		tuples[key] = append(tuples[key], value)
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return tuples, nil
}

// ClaimVisitFunc receives one claim reference during
// VisitClaimsForSeed. Returning an error aborts the visit.
type ClaimVisitFunc func(claimref.Ref) error

// VisitClaimsForSeed emits every claim reference whose target equals
// seed, in lexical order of the claim references' textual form.
func (x *Index) VisitClaimsForSeed(ctx context.Context, seed claimref.Ref, visit ClaimVisitFunc) error {
	prefix := targetClaimPrefix(seed)
	it := x.kv.Find(prefix)
	var err error
	for it.Next() {
		if err = ctx.Err(); err != nil {
			break
		}
		k := it.Key()
		if !strings.HasPrefix(k, prefix) {
			break
		}
		ref, ok := claimref.Parse(strings.TrimPrefix(k, prefix))
		if !ok {
			continue
		}
		if err = visit(ref); err != nil {
			break
		}
	}
	if cerr := it.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// loadValues returns the currently committed values for (target, key),
// used to seed a mergeState's working set the first time a claim-set
// touches that pair.
func (x *Index) loadValues(target claimref.Ref, key string) ([]string, error) {
	prefix := tupleKeyPrefix(target, key)
	it := x.kv.Find(prefix)
	var values []string
	for it.Next() {
		k := it.Key()
		if !strings.HasPrefix(k, prefix) {
			break
		}
		values = append(values, urld(strings.TrimPrefix(k, prefix)))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return values, nil
}

// mergeState accumulates one claim-set's attribute operations in
// memory -- keyed by (target, key), document order preserved by
// sequential application -- before diffing against committed state and
// flushing a single batch. This is what lets MergeClaimSet honor "=
// after +" within one claim-set without re-reading its own
// not-yet-committed writes back out of the KeyValue handle.
type mergeState struct {
	original map[string][]string
	current  map[string][]string
	touched  map[string]touchedAttr
	claims   []claimEdge
}

type touchedAttr struct {
	target claimref.Ref
	key    string
}

type claimEdge struct {
	target claimref.Ref
	claim  claimref.Ref
}

func newMergeState() *mergeState {
	return &mergeState{
		original: map[string][]string{},
		current:  map[string][]string{},
		touched:  map[string]touchedAttr{},
	}
}

func overlayKey(target claimref.Ref, key string) string {
	return target.String() + "\x00" + key
}

// applyOp folds a single attribute operation into m's in-progress
// overlay for target/op.Key. Values are tracked as a set, not a
// multiset: adding the same value twice then removing it once leaves
// zero occurrences, not one (see flush, which persists via stringSet).
func (m *mergeState) applyOp(x *Index, target claimref.Ref, op claims.AttrOp) error {
	ok := overlayKey(target, op.Key)
	if _, loaded := m.touched[ok]; !loaded {
		values, err := x.loadValues(target, op.Key)
		if err != nil {
			return fmt.Errorf("loading current values for %v/%s: %v", target, op.Key, err)
		}
		m.original[ok] = values
		m.current[ok] = append([]string(nil), values...)
		m.touched[ok] = touchedAttr{target: target, key: op.Key}
	}

	cur := m.current[ok]
	switch op.Op {
	case claims.OpReplace:
		cur = []string{op.Value}
	case claims.OpAdd:
		cur = append(append([]string(nil), cur...), op.Value)
	case claims.OpRemove:
		if op.Value == "" {
			cur = nil
		} else {
			cur = removeValue(cur, op.Value)
		}
	default:
		return fmt.Errorf("unrecognized attribute operation %q", op.Op)
	}
	m.current[ok] = cur
	return nil
}

func removeValue(values []string, want string) []string {
	var out []string
	for _, v := range values {
		if v != want {
			out = append(out, v)
		}
	}
	return out
}

func (m *mergeState) noteClaim(target, claimingRef claimref.Ref) {
	m.claims = append(m.claims, claimEdge{target: target, claim: claimingRef})
}

// flush writes every touched attribute's net before/after value sets
// to b as tuple inserts and deletes. Duplicate values collapse to one
// occurrence here (stringSet), so removing a value once always clears
// it regardless of how many times it was added.
func (m *mergeState) flush(b sorted.BatchMutation) {
	for ok, ta := range m.touched {
		before := stringSet(m.original[ok])
		after := stringSet(m.current[ok])
		for v := range before {
			if !after[v] {
				b.Delete(tupleKey(ta.target, ta.key, v))
				b.Delete(byAttrKey(ta.key, v, ta.target))
			}
		}
		for v := range after {
			if !before[v] {
				b.Set(tupleKey(ta.target, ta.key, v), "")
				b.Set(byAttrKey(ta.key, v, ta.target), "")
				b.Set(seedKey(ta.target), "")
			}
		}
	}
	for _, e := range m.claims {
		b.Set(targetClaimKey(e.target, e.claim), "")
	}
}

func stringSet(values []string) map[string]bool {
	s := make(map[string]bool, len(values))
	for _, v := range values {
		s[v] = true
	}
	return s
}
