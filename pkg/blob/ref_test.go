/*
Copyright 2013 Google Inc.
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

package blob

import (
	"encoding/json"
	"testing"
)

func hex(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += "a"
	}
	return s
}

var validHex = hex(Size * 2)

func TestParseRoundTrip(t *testing.T) {
	r, ok := Parse(validHex)
	if !ok {
		t.Fatalf("Parse(%q) failed", validHex)
	}
	if !r.Valid() {
		t.Fatal("expected valid ref")
	}
	if got := r.String(); got != validHex {
		t.Errorf("String() = %q, want %q", got, validHex)
	}
	if got := r.Digest(); got != validHex {
		t.Errorf("Digest() = %q, want %q", got, validHex)
	}
	_ = r == r // concrete type supports equality
}

func TestParseRejectsBadInput(t *testing.T) {
	bad := []string{
		"",
		"abc",
		hex(Size*2 - 1),
		hex(Size*2 + 1),
		"zz" + hex(Size*2-2),
	}
	for _, in := range bad {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) unexpectedly succeeded", in)
		}
	}
}

func TestEquality(t *testing.T) {
	r := ParseOrZero(validHex)
	r2 := ParseOrZero(validHex)
	other := RefFromBytes([]byte("something else"))
	if !r.Valid() || !r2.Valid() || !other.Valid() {
		t.Fatal("not valid")
	}
	if r != r2 {
		t.Errorf("r and r2 should be equal")
	}
	if r == other {
		t.Errorf("r and other should not be equal")
	}
}

type Foo struct {
	B Ref `json:"foo"`
}

func TestJSONUnmarshal(t *testing.T) {
	var f Foo
	if err := json.Unmarshal([]byte(`{"foo": "`+validHex+`", "other": 123}`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !f.B.Valid() {
		t.Fatal("ref is invalid")
	}
	if g, e := f.B.String(), validHex; g != e {
		t.Errorf("got %q, want %q", g, e)
	}

	f = Foo{}
	if err := json.Unmarshal([]byte(`{}`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.B.Valid() {
		t.Fatal("ref is valid and shouldn't be")
	}
}

func TestJSONMarshal(t *testing.T) {
	f := &Foo{B: MustParse(validHex)}
	bs, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"foo":"` + validHex + `"}`
	if g := string(bs); g != want {
		t.Errorf("got %q, want %q", g, want)
	}
}

func TestSizedRefString(t *testing.T) {
	sr := SizedRef{Ref: MustParse(validHex), Size: 456}
	want := "[" + validHex + "; 456 bytes]"
	if got := sr.String(); got != want {
		t.Errorf("SizedRef.String() = %q, want %q", got, want)
	}
}

func TestMarshalBinaryRoundTrip(t *testing.T) {
	r := RefFromBytes([]byte("claim-set contents"))
	data, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != Size {
		t.Fatalf("MarshalBinary len = %d, want %d", len(data), Size)
	}
	var r2 Ref
	if err := r2.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if r != r2 {
		t.Error("UnmarshalBinary result != original")
	}
	if err := r2.UnmarshalBinary(data); err == nil {
		t.Error("expected error on second UnmarshalBinary into a non-zero Ref")
	}
}

func BenchmarkParseRef(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, ok := Parse(validHex); !ok {
			b.FailNow()
		}
	}
}
