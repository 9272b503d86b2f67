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

package attrindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claimref"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/sorted"
)

// identitySheet is a fake xslt.Stylesheet that passes claim-set XML
// through unchanged, as if the configured stylesheet already emits
// canonical attr claims. failSubstr optionally triggers a transform
// failure for a specific input, to exercise the failed-queue path.
type identitySheet struct {
	failSubstr string
}

func (s identitySheet) Apply(ctx context.Context, doc []byte) ([]byte, error) {
	if s.failSubstr != "" && strings.Contains(string(doc), s.failSubstr) {
		return nil, fmt.Errorf("fake transform failure")
	}
	return doc, nil
}

func (s identitySheet) Close() error { return nil }

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	x := Open(sorted.NewMemoryKeyValue())
	if err := x.Setup(nil); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := x.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return x
}

func claimSetDoc(t *testing.T, body string) (blob.Ref, []byte) {
	t.Helper()
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<claim-set xmlns="%s" xmlns:dc="%s" dc:created="2024-01-02T03:04:05Z">
%s
</claim-set>`, claims.ClaimsNS, claims.DCNS, body)
	ref := blob.RefFromBytes([]byte(doc))
	return ref, []byte(doc)
}

func TestSetupIsIdempotent(t *testing.T) {
	x := newTestIndex(t)
	if err := x.Setup(nil); err != nil {
		t.Fatalf("second Setup: %v", err)
	}
	stage, err := x.GetState(StateStage)
	if err != nil || stage != StageInitial {
		t.Fatalf("stage = %v, %v, want %v, nil", stage, err, StageInitial)
	}
}

func TestGetSetState(t *testing.T) {
	x := newTestIndex(t)
	if err := x.SetState(StateLastIndexedClaimTS, 1700000000); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	v, err := x.GetState(StateLastIndexedClaimTS)
	if err != nil || v != 1700000000 {
		t.Fatalf("GetState = %v, %v, want 1700000000, nil", v, err)
	}
}

func TestMergeClaimSetSingleAttr(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/></attr>`)

	merged, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 1, doc, false)
	if err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}
	if !merged {
		t.Fatal("expected merged=true")
	}

	var results []QueryResult
	if err := x.Query(context.Background(), "color=red", func(ok bool, msg string) {
		if !ok {
			t.Fatalf("status: not ok: %s", msg)
		}
	}, func(r QueryResult) error {
		results = append(results, r)
		return nil
	}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	want := claimref.Self(ref, 0)
	if !results[0].Target.Equal(want) {
		t.Errorf("result target = %v, want %v", results[0].Target, want)
	}
	if got := results[0].Tuples["color"]; len(got) != 1 || got[0] != "red" {
		t.Errorf("tuples[color] = %v, want [red]", got)
	}
}

func TestMergeClaimSetReplaceSemantics(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/><a op="=" k="color" v="blue"/></attr>`)

	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 1, doc, false); err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}

	assertQueryCount(t, x, "color=blue", 1)
	assertQueryCount(t, x, "color=red", 0)
}

func TestMergeClaimSetRemoveByKey(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr>
		<a op="+" k="color" v="red"/>
		<a op="+" k="color" v="green"/>
		<a op="-" k="color"/>
	</attr>`)

	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 1, doc, false); err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}

	assertQueryCount(t, x, "color=red", 0)
	assertQueryCount(t, x, "color=green", 0)
}

func TestMergeClaimSetRemoveOneValue(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr>
		<a op="+" k="color" v="red"/>
		<a op="+" k="color" v="green"/>
		<a op="-" k="color" v="red"/>
	</attr>`)

	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 1, doc, false); err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}

	assertQueryCount(t, x, "color=red", 0)
	assertQueryCount(t, x, "color=green", 1)
}

func TestMergeClaimSetTransformFailureQueuesRetry(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/></attr>`)

	sheet := identitySheet{failSubstr: "color"}
	merged, err := x.MergeClaimSet(context.Background(), nil, sheet, time.Now(), ref, 1, doc, false)
	if err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}
	if merged {
		t.Fatal("expected merged=false on transform failure")
	}

	entries, err := x.listFailed()
	if err != nil {
		t.Fatalf("listFailed: %v", err)
	}
	if len(entries) != 1 || !entries[0].entry.ClaimSetRef.Equal(ref) {
		t.Fatalf("failed queue = %+v, want one entry for %v", entries, ref)
	}
}

func TestMergeClaimSetDedupesRedeliveredRecord(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/></attr>`)

	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 42, doc, false); err != nil {
		t.Fatalf("first MergeClaimSet: %v", err)
	}
	assertQueryCount(t, x, "color=red", 1)

	// A claim-set redelivered at the same last_modified (the sync
	// worker's overlap window) must not reapply.
	merged, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 42, doc, false)
	if err != nil {
		t.Fatalf("redelivered MergeClaimSet: %v", err)
	}
	if !merged {
		t.Fatal("redelivered MergeClaimSet reported merged=false")
	}
	assertQueryCount(t, x, "color=red", 1)

	// A different claim-set at a later last_modified is not caught by
	// the dedup check and merges without error.
	ref3, doc3 := claimSetDoc(t, `<attr><a op="-" k="color" v="red"/></attr>`)
	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref3, 43, doc3, false); err != nil {
		t.Fatalf("distinct claim-set MergeClaimSet: %v", err)
	}
}

func TestReindexFailedRetriesAndClears(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/></attr>`)

	failing := identitySheet{failSubstr: "color"}
	if _, err := x.MergeClaimSet(context.Background(), nil, failing, time.Now(), ref, 1, doc, false); err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}
	assertQueryCount(t, x, "color=red", 0)

	fetchDoc := func(ctx context.Context, r blob.Ref) ([]byte, error) {
		if !r.Equal(ref) {
			return nil, errors.New("unexpected ref")
		}
		return doc, nil
	}
	corrected := identitySheet{}
	if err := x.ReindexFailed(context.Background(), nil, corrected, time.Now(), fetchDoc); err != nil {
		t.Fatalf("ReindexFailed: %v", err)
	}

	assertQueryCount(t, x, "color=red", 1)
	entries, err := x.listFailed()
	if err != nil {
		t.Fatalf("listFailed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed queue = %+v, want empty after successful reindex", entries)
	}
}

func TestVisitClaimsForSeed(t *testing.T) {
	x := newTestIndex(t)
	ref, doc := claimSetDoc(t, `<attr><a op="+" k="color" v="red"/></attr><attr><a op="+" k="shape" v="square"/></attr>`)

	if _, err := x.MergeClaimSet(context.Background(), nil, identitySheet{}, time.Now(), ref, 1, doc, false); err != nil {
		t.Fatalf("MergeClaimSet: %v", err)
	}

	seed := claimref.Self(ref, 0)
	var visited []claimref.Ref
	if err := x.VisitClaimsForSeed(context.Background(), seed, func(c claimref.Ref) error {
		visited = append(visited, c)
		return nil
	}); err != nil {
		t.Fatalf("VisitClaimsForSeed: %v", err)
	}
	if len(visited) != 1 || !visited[0].Equal(claimref.Self(ref, 0)) {
		t.Fatalf("visited = %v", visited)
	}
}

func TestQueryParseError(t *testing.T) {
	x := newTestIndex(t)
	var statusCalled bool
	if err := x.Query(context.Background(), "=bad", func(ok bool, msg string) {
		statusCalled = true
		if ok {
			t.Error("expected parse failure status")
		}
		if msg == "" {
			t.Error("expected a non-empty error message")
		}
	}, func(QueryResult) error {
		t.Fatal("result callback should not be invoked on parse failure")
		return nil
	}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !statusCalled {
		t.Fatal("status callback was never invoked")
	}
}

func assertQueryCount(t *testing.T, x *Index, query string, want int) {
	t.Helper()
	var got int
	if err := x.Query(context.Background(), query, func(ok bool, msg string) {
		if !ok {
			t.Fatalf("query %q: status not ok: %s", query, msg)
		}
	}, func(QueryResult) error {
		got++
		return nil
	}); err != nil {
		t.Fatalf("Query(%q): %v", query, err)
	}
	if got != want {
		t.Errorf("Query(%q) returned %d results, want %d", query, got, want)
	}
}
