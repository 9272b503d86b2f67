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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/clearsign"

	"evr-attr-index/pkg/attrindex"
	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claims"
	"evr-attr-index/pkg/runtime"
	"evr-attr-index/pkg/sorted"
	_ "evr-attr-index/pkg/sorted/kvfile" // registers the "kv" backend openIndex defaults to
	"evr-attr-index/pkg/storageclient"
	"evr-attr-index/pkg/xslt"
)

// identitySheet is a fake xslt.Stylesheet that passes claim-set XML
// through unchanged, mirroring attrindex's own test fake.
type identitySheet struct{}

func (identitySheet) Apply(ctx context.Context, doc []byte) ([]byte, error) { return doc, nil }
func (identitySheet) Close() error                                          { return nil }

type fakeRecord struct {
	ref          blob.Ref
	flags        byte
	lastModified uint64
}

// startFakeServer runs an in-process storage server speaking the same
// wire protocol as storageclient.Client: get-blob requests are
// answered from blobs, watch-blobs requests replay records verbatim
// and then block until the client closes the connection.
func startFakeServer(t *testing.T, blobs map[blob.Ref][]byte, records []fakeRecord) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn, blobs, records)
		}
	}()
	return ln.Addr().String()
}

func serveFakeConn(conn net.Conn, blobs map[blob.Ref][]byte, records []fakeRecord) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	cmd, err := r.ReadByte()
	if err != nil {
		return
	}
	switch cmd {
	case 1: // cmdGetBlob
		var digest [blob.Size]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return
		}
		var ref blob.Ref
		if err := ref.UnmarshalBinary(digest[:]); err != nil {
			return
		}
		body, ok := blobs[ref]
		if !ok {
			conn.Write([]byte{1}) // statusNotFound
			return
		}
		var buf bytes.Buffer
		buf.WriteByte(0) // statusOK
		buf.WriteByte(0) // flag
		binary.Write(&buf, binary.BigEndian, uint64(len(body)))
		buf.Write(body)
		conn.Write(buf.Bytes())

	case 2: // cmdWatchBlobs
		var filterBuf [16]byte
		if _, err := io.ReadFull(r, filterBuf[:]); err != nil {
			return
		}
		conn.Write([]byte{0}) // statusOK
		for _, rec := range records {
			var buf bytes.Buffer
			buf.Write(rec.ref.Bytes())
			buf.WriteByte(rec.flags)
			binary.Write(&buf, binary.BigEndian, rec.lastModified)
			conn.Write(buf.Bytes())
		}
		drainUntilClosed(conn)
	}
}

func drainUntilClosed(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

type staticKeyFetcher struct {
	entity *openpgp.Entity
}

func (f staticKeyFetcher) FetchKey(ctx context.Context, signer blob.Ref) (*openpgp.Entity, error) {
	return f.entity, nil
}

func testSigningEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("", "workers test key", "", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return e
}

func clearsignXML(t *testing.T, e *openpgp.Entity, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, e.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign.Encode: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func signedAttrSpecEnvelope(t *testing.T, e *openpgp.Entity, created string, stylesheetRef blob.Ref) []byte {
	t.Helper()
	payload := fmt.Sprintf(`<claim-set xmlns="%s" xmlns:dc="%s" dc:created="%s">
<attr-spec>
<attr-def k="color" type="str"/>
<transformation type="xslt" blob="%s"/>
</attr-spec>
</claim-set>`, claims.ClaimsNS, claims.DCNS, created, stylesheetRef.String())
	return clearsignXML(t, e, []byte(payload))
}

func signedClaimEnvelope(t *testing.T, e *openpgp.Entity, created, op, key, value string) []byte {
	t.Helper()
	payload := fmt.Sprintf(`<claim-set xmlns="%s" xmlns:dc="%s" dc:created="%s">
<attr><a op="%s" k="%s" v="%s"/></attr>
</claim-set>`, claims.ClaimsNS, claims.DCNS, created, op, key, value)
	return clearsignXML(t, e, []byte(payload))
}

func TestOverlapFloor(t *testing.T) {
	cases := []struct {
		lastIndexed uint64
		overlap     time.Duration
		want        uint64
	}{
		{1000, 600 * time.Second, 400},
		{100, 600 * time.Second, 0},
		{0, 600 * time.Second, 0},
	}
	for _, c := range cases {
		if got := overlapFloor(c.lastIndexed, c.overlap); got != c.want {
			t.Errorf("overlapFloor(%d, %s) = %d, want %d", c.lastIndexed, c.overlap, got, c.want)
		}
	}
}

func TestFetchSpecFindsAttrSpecClaim(t *testing.T) {
	entity := testSigningEntity(t)
	specRef := blob.RefFromBytes([]byte("spec-ref"))
	stylesheetRef := blob.RefFromBytes([]byte("stylesheet-ref"))
	envelope := signedAttrSpecEnvelope(t, entity, "2024-01-02T03:04:05Z", stylesheetRef)

	addr := startFakeServer(t, map[blob.Ref][]byte{specRef: envelope}, nil)
	storage := storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity})

	spec, err := fetchSpec(context.Background(), storage, specRef)
	if err != nil {
		t.Fatalf("fetchSpec: %v", err)
	}
	if spec.Stylesheet != stylesheetRef {
		t.Errorf("spec.Stylesheet = %v, want %v", spec.Stylesheet, stylesheetRef)
	}
}

func TestFetchSpecRejectsClaimSetWithoutAttrSpec(t *testing.T) {
	entity := testSigningEntity(t)
	specRef := blob.RefFromBytes([]byte("spec-ref"))
	envelope := clearsignXML(t, entity, []byte(fmt.Sprintf(
		`<claim-set xmlns="%s" xmlns:dc="%s" dc:created="2024-01-02T03:04:05Z"/>`,
		claims.ClaimsNS, claims.DCNS)))

	addr := startFakeServer(t, map[blob.Ref][]byte{specRef: envelope}, nil)
	storage := storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity})

	if _, err := fetchSpec(context.Background(), storage, specRef); err == nil {
		t.Fatal("expected error for claim-set with no attr-spec claim")
	}
}

func newMemIndex(t *testing.T) *attrindex.Index {
	t.Helper()
	x := attrindex.Open(sorted.NewMemoryKeyValue())
	if err := x.Setup(nil); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := x.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return x
}

func TestMergeRecordAppliesAndAdvancesWatermark(t *testing.T) {
	entity := testSigningEntity(t)
	claimRef := blob.RefFromBytes([]byte("claim-set-ref"))
	envelope := signedClaimEnvelope(t, entity, "2024-01-02T03:04:05Z", "+", "color", "red")

	addr := startFakeServer(t, map[blob.Ref][]byte{claimRef: envelope}, nil)
	storage := storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity})

	idx := newMemIndex(t)
	rec := storageclient.WatchRecord{Ref: claimRef, Flags: storageclient.FlagClaim, LastModified: 99}

	if err := mergeRecord(context.Background(), idx, nil, identitySheet{}, storage, rec); err != nil {
		t.Fatalf("mergeRecord: %v", err)
	}

	ts, err := idx.GetState(attrindex.StateLastIndexedClaimTS)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if ts != 99 {
		t.Errorf("watermark = %d, want 99", ts)
	}

	var got int
	if err := idx.Query(context.Background(), "color=red", func(ok bool, msg string) {
		if !ok {
			t.Fatalf("query status: %s", msg)
		}
	}, func(attrindex.QueryResult) error {
		got++
		return nil
	}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != 1 {
		t.Errorf("query returned %d results, want 1", got)
	}
}

func TestMergeRecordNeverLowersWatermark(t *testing.T) {
	entity := testSigningEntity(t)
	claimRef := blob.RefFromBytes([]byte("claim-set-ref"))
	envelope := signedClaimEnvelope(t, entity, "2024-01-02T03:04:05Z", "+", "color", "red")

	addr := startFakeServer(t, map[blob.Ref][]byte{claimRef: envelope}, nil)
	storage := storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity})

	idx := newMemIndex(t)
	if err := idx.SetState(attrindex.StateLastIndexedClaimTS, 500); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// A watch (re)open redelivers records at or below the current
	// watermark within the overlap window; one of those must not move
	// last_indexed_claim_ts backward.
	rec := storageclient.WatchRecord{Ref: claimRef, Flags: storageclient.FlagClaim, LastModified: 100}
	if err := mergeRecord(context.Background(), idx, nil, identitySheet{}, storage, rec); err != nil {
		t.Fatalf("mergeRecord: %v", err)
	}

	ts, err := idx.GetState(attrindex.StateLastIndexedClaimTS)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if ts != 500 {
		t.Errorf("watermark = %d, want 500 (unchanged, not lowered to 100)", ts)
	}
}

func TestWatchSpecsPublishesLatestCandidate(t *testing.T) {
	entity := testSigningEntity(t)
	olderRef := blob.RefFromBytes([]byte("spec-older"))
	newerRef := blob.RefFromBytes([]byte("spec-newer"))
	olderEnvelope := signedAttrSpecEnvelope(t, entity, "2024-01-01T00:00:00Z", blob.RefFromBytes([]byte("sheet-a")))
	newerEnvelope := signedAttrSpecEnvelope(t, entity, "2024-06-01T00:00:00Z", blob.RefFromBytes([]byte("sheet-b")))

	blobs := map[blob.Ref][]byte{olderRef: olderEnvelope, newerRef: newerEnvelope}
	records := []fakeRecord{
		{ref: olderRef, flags: storageclient.FlagIndexRule, lastModified: 10},
		{ref: newerRef, flags: storageclient.FlagIndexRule | storageclient.FlagEndOfBacklog, lastModified: 20},
	}
	addr := startFakeServer(t, blobs, records)

	rt := runtime.New()
	defer rt.Shutdown()
	deps := Deps{
		Storage:  storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity}),
		StateDir: t.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchSpecs(ctx, rt, deps)

	payload, ok := rt.AttrSpecHandover.Pop(ctx)
	if !ok {
		t.Fatal("AttrSpecHandover.Pop reported ok=false")
	}
	if payload.SpecRef != newerRef {
		t.Errorf("published spec ref = %v, want %v (the later-created candidate)", payload.SpecRef, newerRef)
	}
}

func TestBuildOneBootstrapsIndexAndPublishesHandover(t *testing.T) {
	proc, err := xslt.NewProcessor()
	if err != nil {
		t.Skip(err)
	}

	entity := testSigningEntity(t)
	stylesheetRef := blob.RefFromBytes([]byte("stylesheet-ref"))
	stylesheetEnvelope := clearsignXML(t, entity, []byte(`<xsl:stylesheet version="1.0" xmlns:xsl="http://www.w3.org/1999/XSL/Transform">
<xsl:template match="@*|node()"><xsl:copy><xsl:apply-templates select="@*|node()"/></xsl:copy></xsl:template>
</xsl:stylesheet>`))

	claimRef := blob.RefFromBytes([]byte("claim-set-ref"))
	claimEnvelope := signedClaimEnvelope(t, entity, "2024-01-02T03:04:05Z", "+", "color", "red")

	blobs := map[blob.Ref][]byte{
		stylesheetRef: stylesheetEnvelope,
		claimRef:      claimEnvelope,
	}
	records := []fakeRecord{
		{ref: claimRef, flags: storageclient.FlagClaim | storageclient.FlagEndOfBacklog, lastModified: 5},
	}
	addr := startFakeServer(t, blobs, records)

	rt := runtime.New()
	defer rt.Shutdown()
	deps := Deps{
		Storage:      storageclient.New(addr, blob.Ref{}, staticKeyFetcher{entity}),
		Processor:    proc,
		StateDir:     t.TempDir(),
		WatchOverlap: 600 * time.Second,
	}

	specRef := blob.RefFromBytes([]byte("spec-ref"))
	payload := runtime.AttrSpecPayload{
		SpecRef: specRef,
		Spec:    &claims.AttrSpecClaim{Stylesheet: stylesheetRef},
		Created: time.Now(),
	}

	if err := buildOne(context.Background(), rt, deps, payload); err != nil {
		t.Fatalf("buildOne: %v", err)
	}

	got, ok := rt.IndexHandover.TryPop()
	if !ok || got != specRef {
		t.Fatalf("IndexHandover = %v, %v, want %v, true", got, ok, specRef)
	}

	idx, err := openIndex(deps, specRef)
	if err != nil {
		t.Fatalf("openIndex: %v", err)
	}
	defer idx.Close()

	stage, err := idx.GetState(attrindex.StateStage)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if stage != attrindex.StageBuilt {
		t.Errorf("stage = %d, want StageBuilt", stage)
	}

	var count int
	if err := idx.Query(context.Background(), "color=red", func(ok bool, msg string) {
		if !ok {
			t.Fatalf("query status: %s", msg)
		}
	}, func(attrindex.QueryResult) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if count != 1 {
		t.Errorf("bootstrapped index returned %d matches for color=red, want 1", count)
	}
}
