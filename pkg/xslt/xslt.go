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

// Package xslt compiles and applies the stylesheet an attr-spec claim
// references, shelling out to the xsltproc(1) binary rather than
// linking libxslt directly.
package xslt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Stylesheet transforms a claim-set document into its canonical
// attribute form: an XML document following the same claim-set schema
// as its input, containing only attr claims. The caller feeds the
// result back through the claims package to obtain the attribute
// operations to merge into the index.
type Stylesheet interface {
	Apply(ctx context.Context, claimSetXML []byte) ([]byte, error)

	// Close releases any on-disk resources the stylesheet holds.
	Close() error
}

// Processor locates the xsltproc binary and compiles stylesheet blobs
// against it.
type Processor struct {
	bin string
}

// NewProcessor resolves the xsltproc binary via the process's PATH.
func NewProcessor() (*Processor, error) {
	bin, err := exec.LookPath("xsltproc")
	if err != nil {
		return nil, fmt.Errorf("xslt: xsltproc not found: %v", err)
	}
	return &Processor{bin: bin}, nil
}

// Compile materializes stylesheetXML as a file under dir and returns a
// Stylesheet that applies it via xsltproc. dir is typically the
// index's persisted state directory. The file gets a fresh temporary
// name on every Compile and is removed again by the Stylesheet's Close.
func (p *Processor) Compile(stylesheetXML []byte, dir string) (Stylesheet, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("xslt: creating %s: %v", dir, err)
	}
	f, err := os.CreateTemp(dir, "stylesheet-*.xsl")
	if err != nil {
		return nil, fmt.Errorf("xslt: creating stylesheet file: %v", err)
	}
	name := f.Name()
	if _, err := f.Write(stylesheetXML); err != nil {
		f.Close()
		os.Remove(name)
		return nil, fmt.Errorf("xslt: writing stylesheet file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("xslt: closing stylesheet file: %v", err)
	}
	return &fileStylesheet{bin: p.bin, path: name}, nil
}

type fileStylesheet struct {
	bin  string
	path string
}

// Apply runs xsltproc with the compiled stylesheet, feeding
// claimSetXML on stdin and reading the transformed document from
// stdout. A non-zero xsltproc exit maps to an error carrying its
// stderr, which merge_claim_set treats as a transformation failure.
func (s *fileStylesheet) Apply(ctx context.Context, claimSetXML []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.bin, s.path, "-")
	cmd.Stdin = bytes.NewReader(claimSetXML)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("xslt: xsltproc: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func (s *fileStylesheet) Close() error {
	return os.Remove(s.path)
}
