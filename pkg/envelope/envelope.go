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

// Package envelope verifies the cleartext-signed PGP envelope that
// wraps every claim-set and stylesheet blob in the archive, returning
// the verified UTF-8 payload.
package envelope

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/clearsign"

	"evr-attr-index/pkg/blob"
)

// publicKeyMaxSize bounds how much of a public key blob is read, the
// same bound the teacher's jsonsign package uses for armored key blobs.
const publicKeyMaxSize = 256 * 1024

// KeyFetcher resolves a signer's blob reference to its OpenPGP entity.
type KeyFetcher interface {
	FetchKey(ctx context.Context, signer blob.Ref) (*openpgp.Entity, error)
}

// NewKeyFetcher returns a KeyFetcher that fetches and parses an
// armored public key blob from fetcher on every call.
func NewKeyFetcher(fetcher blob.Fetcher) KeyFetcher {
	return simpleKeyFetcher{fetcher}
}

type simpleKeyFetcher struct {
	fetcher blob.Fetcher
}

func (f simpleKeyFetcher) FetchKey(ctx context.Context, signer blob.Ref) (*openpgp.Entity, error) {
	rc, _, err := f.fetcher.Fetch(ctx, signer)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	el, err := openpgp.ReadArmoredKeyRing(io.LimitReader(rc, publicKeyMaxSize))
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid public key blob %v: %v", signer, err)
	}
	if len(el) != 1 {
		return nil, fmt.Errorf("envelope: public key blob %v holds %d keys, want 1", signer, len(el))
	}
	return el[0], nil
}

// CachingKeyFetcher wraps a KeyFetcher with an in-memory cache keyed by
// signer blob reference. The same signer is typically reused across
// every claim-set in the archive, so callers that verify many
// envelopes should share one CachingKeyFetcher.
type CachingKeyFetcher struct {
	inner KeyFetcher

	mu sync.Mutex
	m  map[blob.Ref]*openpgp.Entity
}

// NewCachingKeyFetcher returns a CachingKeyFetcher wrapping inner.
func NewCachingKeyFetcher(inner KeyFetcher) *CachingKeyFetcher {
	return &CachingKeyFetcher{inner: inner, m: make(map[blob.Ref]*openpgp.Entity)}
}

func (c *CachingKeyFetcher) FetchKey(ctx context.Context, signer blob.Ref) (*openpgp.Entity, error) {
	c.mu.Lock()
	if e, ok := c.m[signer]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	e, err := c.inner.FetchKey(ctx, signer)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[signer] = e
	c.mu.Unlock()
	return e, nil
}

// Verify decodes envelope as a PGP cleartext-signed message, verifies
// its signature against signer's public key (resolved via keys), and
// returns the verified payload bytes.
func Verify(ctx context.Context, envelope []byte, signer blob.Ref, keys KeyFetcher) ([]byte, error) {
	block, _ := clearsign.Decode(envelope)
	if block == nil {
		return nil, errors.New("envelope: no PGP cleartext-signed block found")
	}
	entity, err := keys.FetchKey(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("envelope: fetching signer %v public key: %v", signer, err)
	}
	keyring := openpgp.EntityList{entity}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return nil, fmt.Errorf("envelope: signature verification failed: %v", err)
	}
	return block.Plaintext, nil
}
