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

// Package blob defines the fixed-width content digest used to refer to and
// retrieve opaque blobs in the glacier archive.
package blob

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Size is the number of raw digest bytes in a Ref.
const Size = sha256.Size

// Ref is a reference to a glacier blob: the sha256 digest of its bytes.
// It is used as a value type and supports equality (with ==) and the
// ability to use it as a map key.
type Ref struct {
	digest [Size]byte
	valid  bool
}

// SizedRef is like a Ref but includes a size.
type SizedRef struct {
	Ref
	Size int64
}

func (sr SizedRef) String() string {
	return fmt.Sprintf("[%s; %d bytes]", sr.Ref.String(), sr.Size)
}

const hexDigit = "0123456789abcdef"

// String returns the canonical lowercase-hex textual form of r, or
// "<invalid-blob.Ref>" if r is the zero value.
func (r Ref) String() string {
	if !r.valid {
		return "<invalid-blob.Ref>"
	}
	buf := make([]byte, 0, Size*2)
	for _, b := range r.digest {
		buf = append(buf, hexDigit[b>>4], hexDigit[b&0xf])
	}
	return string(buf)
}

// Digest is an alias for String: the lowercase hex digest of the reference.
// It panics if r is zero.
func (r Ref) Digest() string {
	if !r.valid {
		panic("Digest called on invalid Ref")
	}
	return r.String()
}

func (r Ref) DigestPrefix(digits int) string {
	v := r.String()
	if len(v) < digits {
		return v
	}
	return v[:digits]
}

// Valid reports whether r holds an actual digest.
func (r Ref) Valid() bool { return r.valid }

// Bytes returns the raw digest bytes. It panics if r is zero.
func (r Ref) Bytes() []byte {
	if !r.valid {
		panic("Bytes called on invalid Ref")
	}
	return append([]byte(nil), r.digest[:]...)
}

// Parse parses s as a blob reference's hex digest and returns the ref and
// whether it was parsed successfully.
func Parse(s string) (ref Ref, ok bool) {
	if len(s) != Size*2 {
		return Ref{}, false
	}
	var d [Size]byte
	bad := false
	for i := 0; i < len(s); i += 2 {
		d[i/2] = hexVal(s[i], &bad)<<4 | hexVal(s[i+1], &bad)
	}
	if bad {
		return Ref{}, false
	}
	return Ref{digest: d, valid: true}, true
}

// ParseOrZero parses s as a blob reference. If s is invalid, a zero Ref is
// returned which can be tested with the Valid method.
func ParseOrZero(s string) Ref {
	ref, ok := Parse(s)
	if !ok {
		return Ref{}
	}
	return ref
}

// MustParse parses s as a blob reference and panics on failure.
func MustParse(s string) Ref {
	ref, ok := Parse(s)
	if !ok {
		panic("invalid blob ref " + s)
	}
	return ref
}

// '0' => 0 ... 'f' => 15, else sets *bad to true.
func hexVal(b byte, bad *bool) byte {
	if '0' <= b && b <= '9' {
		return b - '0'
	}
	if 'a' <= b && b <= 'f' {
		return b - 'a' + 10
	}
	*bad = true
	return 0
}

// RefFromBytes computes the blob reference of b's sha256 digest.
func RefFromBytes(b []byte) Ref {
	d := sha256.Sum256(b)
	return Ref{digest: d, valid: true}
}

// ValidRefString reports whether s parses as a valid blob ref.
func ValidRefString(s string) bool {
	return ParseOrZero(s).Valid()
}

func (r *Ref) UnmarshalJSON(d []byte) error {
	if r.valid {
		return errors.New("can't UnmarshalJSON into a non-zero Ref")
	}
	if len(d) < 2 || d[0] != '"' || d[len(d)-1] != '"' {
		return fmt.Errorf("blob: expecting a JSON string to unmarshal, got %q", d)
	}
	refStr := string(d[1 : len(d)-1])
	p, ok := Parse(refStr)
	if !ok {
		return fmt.Errorf("blob: invalid ref %q", refStr)
	}
	*r = p
	return nil
}

func (r Ref) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+Size*2)
	buf = append(buf, '"')
	buf = append(buf, r.String()...)
	buf = append(buf, '"')
	return buf, nil
}

// MarshalBinary implements Go's encoding.BinaryMarshaler interface.
func (r Ref) MarshalBinary() (data []byte, err error) {
	if !r.valid {
		return nil, errors.New("can't MarshalBinary an invalid Ref")
	}
	return append([]byte(nil), r.digest[:]...), nil
}

// UnmarshalBinary implements Go's encoding.BinaryUnmarshaler interface.
func (r *Ref) UnmarshalBinary(data []byte) error {
	if r.valid {
		return errors.New("can't UnmarshalBinary into a non-zero Ref")
	}
	if len(data) != Size {
		return fmt.Errorf("blob: wrong digest size %d, want %d", len(data), Size)
	}
	var d [Size]byte
	copy(d[:], data)
	r.digest = d
	r.valid = true
	return nil
}

// Equal reports whether r and o hold the same digest.
func (r Ref) Equal(o Ref) bool {
	return r.valid == o.valid && bytes.Equal(r.digest[:], o.digest[:])
}
