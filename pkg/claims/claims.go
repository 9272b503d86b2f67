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

// Package claims parses a claim-set XML document into typed claim
// records: file claims, attr claims, and attr-spec claims.
package claims

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"evr-attr-index/pkg/blob"
	"evr-attr-index/pkg/claimref"
	"evr-attr-index/pkg/constants"
)

// Namespaces used by claim-set documents.
const (
	ClaimsNS = "https://evr.ma300k.de/claims/"
	DCNS     = "http://purl.org/dc/terms/"
)

// createdLayout is the required ISO-8601 UTC timestamp format for a
// claim-set's dc:created attribute: YYYY-MM-DDThh:mm:ssZ.
const createdLayout = "2006-01-02T15:04:05Z"

// OpKind is one of the three attribute operation kinds a claim-set's
// attr claim may carry.
type OpKind byte

const (
	OpReplace OpKind = '=' // remove all existing values for key, insert value
	OpAdd     OpKind = '+' // insert value, leaving existing values in place
	OpRemove  OpKind = '-' // remove matching value, or all values if absent
)

func (k OpKind) String() string { return string(rune(k)) }

// AttrOp is one (op, key, value) operation from an attr claim's child
// "a" elements, in document order.
type AttrOp struct {
	Op    OpKind
	Key   string
	Value string // empty for OpRemove with no v attribute
}

// Slice is one (blob reference, size) pair referenced by a file claim's
// body.
type Slice struct {
	Ref  blob.Ref
	Size int64
}

// FileClaim describes a file as an ordered sequence of slices.
type FileClaim struct {
	Index  uint32
	Title  string
	Slices []Slice
}

// AttrClaim asserts a list of attribute operations against a target,
// identified by a fully resolved claim reference. An attr claim with no
// ref attribute targets the enclosing claim-set, so Target is resolved
// against the parsed claim-set's own blob reference (and against its
// own claim index, or an explicit claim attribute) during parsing.
type AttrClaim struct {
	Index  uint32
	Target claimref.Ref
	Ops    []AttrOp
}

// AttrDef declares one attribute name and its value type.
type AttrDef struct {
	Key  string
	Type AttrType
}

// AttrType is the declared value type of an attribute definition.
type AttrType int

const (
	AttrTypeString AttrType = iota
	AttrTypeInt
)

// AttrFactory references an executable blob that may enrich attributes
// during stylesheet transformation.
type AttrFactory struct {
	Blob blob.Ref
}

// AttrSpecClaim describes how to build an index: its attribute
// definitions, its transformation stylesheet, and any attr-factories.
type AttrSpecClaim struct {
	Index        uint32
	Attrs        []AttrDef
	Factories    []AttrFactory
	Stylesheet   blob.Ref
}

// Claim is implemented by *FileClaim, *AttrClaim, and *AttrSpecClaim.
type Claim interface {
	claimIndex() uint32
}

func (c *FileClaim) claimIndex() uint32     { return c.Index }
func (c *AttrClaim) claimIndex() uint32     { return c.Index }
func (c *AttrSpecClaim) claimIndex() uint32 { return c.Index }

// ClaimSet is a parsed claim-set document.
type ClaimSet struct {
	Created time.Time
	Claims  []Claim
}

// ParseError identifies the claim-set element (and, where applicable,
// attribute) that failed to parse.
type ParseError struct {
	Element string
	Attr    string
	Msg     string
}

func (e *ParseError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("claims: element %q attribute %q: %s", e.Element, e.Attr, e.Msg)
	}
	return fmt.Sprintf("claims: element %q: %s", e.Element, e.Msg)
}

func elemErr(name string, format string, args ...interface{}) error {
	return &ParseError{Element: name, Msg: fmt.Sprintf(format, args...)}
}

func attrErr(elem, attr string, format string, args ...interface{}) error {
	return &ParseError{Element: elem, Attr: attr, Msg: fmt.Sprintf(format, args...)}
}

// Parse parses data as a claim-set XML document. claimSetRef is the
// blob reference of the claim-set itself, used to resolve attr claims'
// self targets into fully-qualified claim references.
func Parse(data []byte, claimSetRef blob.Ref) (*ClaimSet, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	root, err := nextStartElement(d)
	if err != nil {
		return nil, err
	}
	if root.Name.Space != ClaimsNS || root.Name.Local != "claim-set" {
		return nil, elemErr(root.Name.Local, "expected claim-set root element in namespace %q", ClaimsNS)
	}
	createdStr, ok := findAttr(root.Attr, DCNS, "created")
	if !ok {
		return nil, attrErr("claim-set", "created", "missing required dc:created attribute")
	}
	created, err := time.Parse(createdLayout, createdStr)
	if err != nil {
		return nil, attrErr("claim-set", "created", "invalid ISO-8601 UTC timestamp %q: %v", createdStr, err)
	}

	cs := &ClaimSet{Created: created}
	var idx uint32
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		claim, err := parseClaim(d, start, idx, claimSetRef)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			cs.Claims = append(cs.Claims, claim)
		}
		idx++
	}
	return cs, nil
}

func parseClaim(d *xml.Decoder, start xml.StartElement, idx uint32, claimSetRef blob.Ref) (Claim, error) {
	if start.Name.Space != ClaimsNS {
		return nil, skipElement(d, start)
	}
	switch start.Name.Local {
	case "file":
		c, err := parseFileClaim(d, start, idx)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "attr":
		c, err := parseAttrClaim(d, start, idx, claimSetRef)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "attr-spec":
		c, err := parseAttrSpecClaim(d, start, idx)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, skipElement(d, start)
	}
}

func parseFileClaim(d *xml.Decoder, start xml.StartElement, idx uint32) (*FileClaim, error) {
	title, ok := findAttr(start.Attr, DCNS, "title")
	if !ok {
		return nil, attrErr("file", "title", "missing required dc:title attribute")
	}
	c := &FileClaim{Index: idx, Title: title}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "body" {
				if err := skipElement(d, t); err != nil {
					return nil, err
				}
				continue
			}
			slices, err := parseBody(d)
			if err != nil {
				return nil, err
			}
			c.Slices = slices
		case xml.EndElement:
			if t.Name.Local == "file" {
				return c, nil
			}
		}
	}
}

func parseBody(d *xml.Decoder) ([]Slice, error) {
	var slices []Slice
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "slice" {
				if err := skipElement(d, t); err != nil {
					return nil, err
				}
				continue
			}
			s, err := parseSlice(d, t)
			if err != nil {
				return nil, err
			}
			slices = append(slices, s)
		case xml.EndElement:
			if t.Name.Local == "body" {
				return slices, nil
			}
		}
	}
}

func parseSlice(d *xml.Decoder, start xml.StartElement) (Slice, error) {
	if err := skipToEnd(d, start); err != nil {
		return Slice{}, err
	}
	refStr, ok := findAttr(start.Attr, "", "ref")
	if !ok {
		return Slice{}, attrErr("slice", "ref", "missing required ref attribute")
	}
	ref, ok := blob.Parse(refStr)
	if !ok {
		return Slice{}, attrErr("slice", "ref", "invalid blob reference %q", refStr)
	}
	sizeStr, ok := findAttr(start.Attr, "", "size")
	if !ok {
		return Slice{}, attrErr("slice", "size", "missing required size attribute")
	}
	size, err := strconv.ParseUint(sizeStr, 10, 63)
	if err != nil {
		return Slice{}, attrErr("slice", "size", "invalid unsigned decimal %q", sizeStr)
	}
	if size >= constants.MaxBlobSize {
		return Slice{}, attrErr("slice", "size", "size %d is not below the %d byte limit", size, constants.MaxBlobSize)
	}
	return Slice{Ref: ref, Size: int64(size)}, nil
}

func parseAttrClaim(d *xml.Decoder, start xml.StartElement, idx uint32, claimSetRef blob.Ref) (*AttrClaim, error) {
	c := &AttrClaim{Index: idx}
	if refStr, ok := findAttr(start.Attr, "", "ref"); ok {
		ref, ok := claimref.Parse(refStr)
		if !ok {
			return nil, attrErr("attr", "ref", "invalid claim reference %q", refStr)
		}
		c.Target = ref
	} else {
		selfIdx := idx
		if claimStr, ok := findAttr(start.Attr, "", "claim"); ok {
			n, err := strconv.ParseUint(claimStr, 10, 32)
			if err != nil {
				return nil, attrErr("attr", "claim", "invalid unsigned decimal %q", claimStr)
			}
			selfIdx = uint32(n)
		}
		c.Target = claimref.Self(claimSetRef, selfIdx)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "a" {
				if err := skipElement(d, t); err != nil {
					return nil, err
				}
				continue
			}
			op, err := parseAttrOp(d, t)
			if err != nil {
				return nil, err
			}
			c.Ops = append(c.Ops, op)
		case xml.EndElement:
			if t.Name.Local == "attr" {
				return c, nil
			}
		}
	}
}

func parseAttrOp(d *xml.Decoder, start xml.StartElement) (AttrOp, error) {
	if err := skipToEnd(d, start); err != nil {
		return AttrOp{}, err
	}
	opStr, ok := findAttr(start.Attr, "", "op")
	if !ok {
		return AttrOp{}, attrErr("a", "op", "missing required op attribute")
	}
	var op OpKind
	switch opStr {
	case "=":
		op = OpReplace
	case "+":
		op = OpAdd
	case "-":
		op = OpRemove
	default:
		return AttrOp{}, attrErr("a", "op", "invalid op %q, want one of =, +, -", opStr)
	}
	key, ok := findAttr(start.Attr, "", "k")
	if !ok {
		return AttrOp{}, attrErr("a", "k", "missing required k attribute")
	}
	value, hasValue := findAttr(start.Attr, "", "v")
	if !hasValue && op != OpRemove {
		return AttrOp{}, attrErr("a", "v", "v attribute is required for op %q", opStr)
	}
	return AttrOp{Op: op, Key: key, Value: value}, nil
}

func parseAttrSpecClaim(d *xml.Decoder, start xml.StartElement, idx uint32) (*AttrSpecClaim, error) {
	c := &AttrSpecClaim{Index: idx}
	var sawTransformation bool
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "attr-def":
				def, err := parseAttrDef(d, t)
				if err != nil {
					return nil, err
				}
				c.Attrs = append(c.Attrs, def)
			case "attr-factory":
				f, err := parseAttrFactory(d, t)
				if err != nil {
					return nil, err
				}
				c.Factories = append(c.Factories, f)
			case "transformation":
				if sawTransformation {
					return nil, elemErr("attr-spec", "more than one transformation child element")
				}
				ref, err := parseTransformation(d, t)
				if err != nil {
					return nil, err
				}
				c.Stylesheet = ref
				sawTransformation = true
			default:
				if err := skipElement(d, t); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "attr-spec" {
				if !sawTransformation {
					return nil, elemErr("attr-spec", "missing required transformation child element")
				}
				return c, nil
			}
		}
	}
}

func parseAttrDef(d *xml.Decoder, start xml.StartElement) (AttrDef, error) {
	if err := skipToEnd(d, start); err != nil {
		return AttrDef{}, err
	}
	key, ok := findAttr(start.Attr, "", "k")
	if !ok {
		return AttrDef{}, attrErr("attr-def", "k", "missing required k attribute")
	}
	typeStr, ok := findAttr(start.Attr, "", "type")
	if !ok {
		return AttrDef{}, attrErr("attr-def", "type", "missing required type attribute")
	}
	var typ AttrType
	switch typeStr {
	case "str":
		typ = AttrTypeString
	case "int":
		typ = AttrTypeInt
	default:
		return AttrDef{}, attrErr("attr-def", "type", "invalid type %q, want one of str, int", typeStr)
	}
	return AttrDef{Key: key, Type: typ}, nil
}

func parseAttrFactory(d *xml.Decoder, start xml.StartElement) (AttrFactory, error) {
	if err := skipToEnd(d, start); err != nil {
		return AttrFactory{}, err
	}
	typeStr, ok := findAttr(start.Attr, "", "type")
	if !ok || typeStr != "executable" {
		return AttrFactory{}, attrErr("attr-factory", "type", "must be %q", "executable")
	}
	blobStr, ok := findAttr(start.Attr, "", "blob")
	if !ok {
		return AttrFactory{}, attrErr("attr-factory", "blob", "missing required blob attribute")
	}
	ref, ok := blob.Parse(blobStr)
	if !ok {
		return AttrFactory{}, attrErr("attr-factory", "blob", "invalid blob reference %q", blobStr)
	}
	return AttrFactory{Blob: ref}, nil
}

func parseTransformation(d *xml.Decoder, start xml.StartElement) (blob.Ref, error) {
	if err := skipToEnd(d, start); err != nil {
		return blob.Ref{}, err
	}
	typeStr, ok := findAttr(start.Attr, "", "type")
	if !ok || typeStr != "xslt" {
		return blob.Ref{}, attrErr("transformation", "type", "must be %q", "xslt")
	}
	blobStr, ok := findAttr(start.Attr, "", "blob")
	if !ok {
		return blob.Ref{}, attrErr("transformation", "blob", "missing required blob attribute")
	}
	ref, ok := blob.Parse(blobStr)
	if !ok {
		return blob.Ref{}, attrErr("transformation", "blob", "invalid blob reference %q", blobStr)
	}
	return ref, nil
}

// findAttr looks up an attribute by namespace and local name. An empty
// space matches an unqualified (no-namespace) attribute.
func findAttr(attrs []xml.Attr, space, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Space == space && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// skipElement consumes start's subtree, including its matching end tag.
func skipElement(d *xml.Decoder, start xml.StartElement) error {
	return d.Skip()
}

// skipToEnd consumes an empty-bodied element's matching end tag. It is
// used for leaf elements whose attributes we've already read and whose
// children (if any) we don't care about.
func skipToEnd(d *xml.Decoder, start xml.StartElement) error {
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

func nextStartElement(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return xml.StartElement{}, elemErr("claim-set", "document has no root element")
			}
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
