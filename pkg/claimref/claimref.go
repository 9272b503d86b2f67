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

// Package claimref identifies a single claim inside a claim-set blob.
package claimref

import (
	"fmt"
	"strconv"
	"strings"

	"evr-attr-index/pkg/blob"
)

// Ref is a pair (claim-set blob reference, claim index) identifying one
// claim inside that claim-set. Index is the zero-based position of the
// claim among the claim-set's element siblings.
type Ref struct {
	Blob  blob.Ref
	Index uint32
}

// String returns the canonical textual form of r: the claim-set's blob
// digest, a '-' separator, and the claim index as fixed-width hex so
// that claim-ref strings have a constant length for a given digest
// size (mirroring how blob.Ref's own textual form is fixed-width).
func (r Ref) String() string {
	if !r.Blob.Valid() {
		return "<invalid-claimref.Ref>"
	}
	return fmt.Sprintf("%s-%08x", r.Blob.String(), r.Index)
}

// Parse parses s as produced by String.
func Parse(s string) (Ref, bool) {
	i := strings.LastIndexByte(s, '-')
	if i < 0 {
		return Ref{}, false
	}
	br, ok := blob.Parse(s[:i])
	if !ok {
		return Ref{}, false
	}
	idx, err := strconv.ParseUint(s[i+1:], 16, 32)
	if err != nil {
		return Ref{}, false
	}
	return Ref{Blob: br, Index: uint32(idx)}, true
}

// MustParse parses s and panics on failure.
func MustParse(s string) Ref {
	r, ok := Parse(s)
	if !ok {
		panic("claimref: invalid ref " + s)
	}
	return r
}

// Equal reports whether r and o reference the same claim.
func (r Ref) Equal(o Ref) bool {
	return r.Index == o.Index && r.Blob.Equal(o.Blob)
}

// Self returns the claim reference for claim index idx within the
// claim-set identified by claimSet. It is used to resolve an attr
// claim's "self" target (an absent ref attribute) against the
// enclosing claim-set.
func Self(claimSet blob.Ref, idx uint32) Ref {
	return Ref{Blob: claimSet, Index: idx}
}
