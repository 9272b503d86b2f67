/*
Copyright 2011 Google Inc.
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
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

// Fetcher is the minimal interface for retrieving a blob from storage.
type Fetcher interface {
	// Fetch returns a blob's contents. If the blob is not found,
	// os.ErrNotExist should be returned for the error (not a wrapped
	// error with ErrNotExist inside).
	//
	// The caller must close the returned ReadCloser.
	Fetch(ctx context.Context, ref Ref) (file io.ReadCloser, size uint32, err error)
}

// NewSerialFetcher returns a Fetcher that tries each of fetchers in turn,
// returning the first successful result.
func NewSerialFetcher(fetchers ...Fetcher) Fetcher {
	return &serialFetcher{fetchers}
}

type serialFetcher struct {
	fetchers []Fetcher
}

func (sf *serialFetcher) Fetch(ctx context.Context, r Ref) (file io.ReadCloser, size uint32, err error) {
	for _, fetcher := range sf.fetchers {
		file, size, err = fetcher.Fetch(ctx, r)
		if err == nil {
			return
		}
	}
	return
}

// MemoryStore stores blobs in memory and implements Fetcher. It is
// primarily useful in tests. Its zero value is usable.
type MemoryStore struct {
	mu sync.Mutex
	m  map[Ref]string
}

// AddBlob stores data and returns its Ref.
func (s *MemoryStore) AddBlob(data string) Ref {
	ref := RefFromBytes([]byte(data))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[Ref]string)
	}
	s.m[ref] = data
	return ref
}

func (s *MemoryStore) Fetch(ctx context.Context, ref Ref) (file io.ReadCloser, size uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	str, ok := s.m[ref]
	if !ok {
		return nil, 0, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(str)), uint32(len(str)), nil
}
