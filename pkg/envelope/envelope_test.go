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

package envelope

import (
	"bytes"
	"context"
	"testing"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"

	"evr-attr-index/pkg/blob"
)

func testEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("", "evr-attr-index test key", "", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return e
}

func armoredPublicKey(t *testing.T, e *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func clearsignEnvelope(t *testing.T, e *openpgp.Entity, payload []byte) []byte {
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

func TestVerifyRoundTrip(t *testing.T) {
	entity := testEntity(t)
	keyBlobData := armoredPublicKey(t, entity)
	keyRef := blob.RefFromBytes(keyBlobData)

	payload := []byte("<claim-set>hello</claim-set>")
	env := clearsignEnvelope(t, entity, payload)

	store := &blob.MemoryStore{}
	store.AddBlob(string(keyBlobData))

	got, err := Verify(context.Background(), env, keyRef, NewKeyFetcher(store))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bytes.Equal(bytes.TrimRight(got, "\n"), payload) {
		t.Errorf("Verify payload = %q, want %q", got, payload)
	}
}

func TestVerifyCachingKeyFetcherReusesEntity(t *testing.T) {
	entity := testEntity(t)
	keyBlobData := armoredPublicKey(t, entity)
	keyRef := blob.RefFromBytes(keyBlobData)
	store := &blob.MemoryStore{}
	store.AddBlob(string(keyBlobData))

	cache := NewCachingKeyFetcher(NewKeyFetcher(store))
	ctx := context.Background()
	e1, err := cache.FetchKey(ctx, keyRef)
	if err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	e2, err := cache.FetchKey(ctx, keyRef)
	if err != nil {
		t.Fatalf("FetchKey: %v", err)
	}
	if e1 != e2 {
		t.Error("expected cached entity to be reused across calls")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	entity := testEntity(t)
	keyBlobData := armoredPublicKey(t, entity)
	keyRef := blob.RefFromBytes(keyBlobData)
	store := &blob.MemoryStore{}
	store.AddBlob(string(keyBlobData))

	env := clearsignEnvelope(t, entity, []byte("<claim-set>original</claim-set>"))
	env = bytes.Replace(env, []byte("original"), []byte("tampered"), 1)

	if _, err := Verify(context.Background(), env, keyRef, NewKeyFetcher(store)); err == nil {
		t.Fatal("expected verification of tampered payload to fail")
	}
}

func TestVerifyRejectsMissingEnvelope(t *testing.T) {
	entity := testEntity(t)
	keyBlobData := armoredPublicKey(t, entity)
	keyRef := blob.RefFromBytes(keyBlobData)
	store := &blob.MemoryStore{}
	store.AddBlob(string(keyBlobData))

	if _, err := Verify(context.Background(), []byte("not a pgp message"), keyRef, NewKeyFetcher(store)); err == nil {
		t.Fatal("expected error for non-PGP input")
	}
}
