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
	"fmt"
	"net/url"
	"strings"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claimref"
)

// Key families, one leading pipe-delimited segment each. Keeping them
// one byte apart in sort order doesn't matter; sorted.KeyValue only
// promises lexical ordering within a family, which prefix scans rely
// on.
const (
	familyState  = "state"
	familyTuple  = "attr"
	familyByAttr = "byattr"
	familyTarget = "target"
	familySeed   = "seed"
	familyFailed = "failed"
	familyMerged = "merged"
)

// urle and urld embed arbitrary attribute keys/values (and the pipe
// byte itself, should one ever appear in one) as single pipe-delimited
// key segments.
var urle = url.QueryEscape

func urld(s string) string {
	d, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return d
}

func join(parts ...string) string {
	return strings.Join(parts, "|")
}

// stateKey addresses one row of the state table (stage,
// last_indexed_claim_ts).
func stateKey(name string) string {
	return join(familyState, name)
}

// tupleKey addresses the presence of a single (target, key, value)
// attribute tuple. Its value is unused; existence is the fact being
// recorded.
func tupleKey(target claimref.Ref, key, value string) string {
	return join(familyTuple, target.String(), urle(key), urle(value))
}

// tupleKeyPrefix bounds every tuple recorded for (target, key).
func tupleKeyPrefix(target claimref.Ref, key string) string {
	return join(familyTuple, target.String(), urle(key)) + "|"
}

// targetTuplePrefix bounds every tuple recorded for target, across all
// keys.
func targetTuplePrefix(target claimref.Ref) string {
	return join(familyTuple, target.String()) + "|"
}

// byAttrKey is the inverted index entry letting query(key=value) find
// target without scanning every tuple.
func byAttrKey(key, value string, target claimref.Ref) string {
	return join(familyByAttr, urle(key), urle(value), target.String())
}

// byAttrPrefix bounds every target currently carrying (key, value).
func byAttrPrefix(key, value string) string {
	return join(familyByAttr, urle(key), urle(value)) + "|"
}

// targetClaimKey is the reverse index entry letting
// visit_claims_for_seed(target) enumerate every claim that names
// target, without scanning the whole claim-set.
func targetClaimKey(target, claimingClaim claimref.Ref) string {
	return join(familyTarget, target.String(), claimingClaim.String())
}

// targetClaimPrefix bounds every claim referencing target.
func targetClaimPrefix(target claimref.Ref) string {
	return join(familyTarget, target.String()) + "|"
}

// seedKey marks target as carrying at least one attribute tuple, so a
// predicate-less query can enumerate every indexed target without a
// full scan of the (much larger) tuple family.
func seedKey(target claimref.Ref) string {
	return join(familySeed, target.String())
}

const seedPrefix = familySeed + "|"

func seedTargetFromKey(key string) (claimref.Ref, bool) {
	s := strings.TrimPrefix(key, seedPrefix)
	return claimref.Parse(s)
}

// failedKey addresses one entry of the failed-claim-set retry queue,
// ordered by insertion via a monotonically increasing sequence number.
func failedKey(seq uint64) string {
	return join(familyFailed, fmt.Sprintf("%020d", seq))
}

const failedPrefix = familyFailed + "|"

// mergedKey records the last_modified value already merged for a
// claim-set reference, so a watch record redelivered within the
// overlap window (see the sync worker) is recognized as already
// applied instead of merged a second time.
func mergedKey(ref blob.Ref) string {
	return join(familyMerged, ref.String())
}

// splitTupleKey extracts the key and value from a tupleKey whose
// target prefix (family + "|" + target.String() + "|") has already
// been matched and stripped via targetTuplePrefix.
func splitTupleKey(rest string) (key, value string, ok bool) {
	i := strings.IndexByte(rest, '|')
	if i < 0 {
		return "", "", false
	}
	return urld(rest[:i]), urld(rest[i+1:]), true
}
