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

package sorted

import (
	"errors"
	"sort"
	"sync"

	"evr-attr-index/pkg/jsonconfig"
)

// NewMemoryKeyValue returns a KeyValue implementation that's backed only
// by memory. It's mostly useful for tests and development.
func NewMemoryKeyValue() KeyValue {
	return &memKeys{m: make(map[string]string)}
}

// memKeys is a naive in-memory implementation of KeyValue for test and
// development purposes. Keys are kept in a sorted slice alongside a map,
// rebuilt lazily whenever the slice goes stale.
type memKeys struct {
	mu     sync.Mutex
	m      map[string]string
	keys   []string // sorted; valid only when dirty == false
	dirty  bool
}

func (mk *memKeys) sortedKeys() []string {
	if mk.dirty || mk.keys == nil {
		mk.keys = make([]string, 0, len(mk.m))
		for k := range mk.m {
			mk.keys = append(mk.keys, k)
		}
		sort.Strings(mk.keys)
		mk.dirty = false
	}
	return mk.keys
}

type memIter struct {
	mk   *memKeys
	keys []string // remaining keys, including the current one once started
	pos  int       // index of current key, -1 before first Next
}

func (it *memIter) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memIter) Key() string {
	return it.keys[it.pos]
}

func (it *memIter) Value() string {
	it.mk.mu.Lock()
	defer it.mk.mu.Unlock()
	return it.mk.m[it.keys[it.pos]]
}

func (it *memIter) Close() error {
	return nil
}

func (mk *memKeys) Get(key string) (string, error) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	v, ok := mk.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (mk *memKeys) Find(key string) Iterator {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	all := mk.sortedKeys()
	i := sort.SearchStrings(all, key)
	rest := make([]string, len(all)-i)
	copy(rest, all[i:])
	return &memIter{mk: mk, keys: rest, pos: -1}
}

func (mk *memKeys) Set(key, value string) error {
	if err := CheckSizes(key, value); err != nil {
		return err
	}
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if _, exists := mk.m[key]; !exists {
		mk.dirty = true
	}
	mk.m[key] = value
	return nil
}

func (mk *memKeys) Delete(key string) error {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	if _, exists := mk.m[key]; exists {
		delete(mk.m, key)
		mk.dirty = true
	}
	return nil
}

func (mk *memKeys) BeginBatch() BatchMutation {
	return &batch{}
}

func (mk *memKeys) CommitBatch(bm BatchMutation) error {
	b, ok := bm.(*batch)
	if !ok {
		return errors.New("invalid batch type; not an instance returned by BeginBatch")
	}
	mk.mu.Lock()
	defer mk.mu.Unlock()
	for _, m := range b.Mutations() {
		if m.IsDelete() {
			if _, exists := mk.m[m.Key()]; exists {
				delete(mk.m, m.Key())
				mk.dirty = true
			}
			continue
		}
		if err := CheckSizes(m.Key(), m.Value()); err != nil {
			return err
		}
		if _, exists := mk.m[m.Key()]; !exists {
			mk.dirty = true
		}
		mk.m[m.Key()] = m.Value()
	}
	return nil
}

func (mk *memKeys) Close() error { return nil }

func init() {
	RegisterKeyValue("memory", func(cfg jsonconfig.Obj) (KeyValue, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return NewMemoryKeyValue(), nil
	})
}
