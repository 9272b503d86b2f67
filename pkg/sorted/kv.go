/*
Copyright 2013 The Camlistore Authors
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

// Package sorted provides a sorted, enumerable KeyValue interface with a
// registry of concrete, pluggable backends (sqlite, kvfile, mysql,
// postgres). It is the durability layer that pkg/attrindex builds its
// schema and transactions on top of.
package sorted

import (
	"errors"
	"fmt"

	"evr-attr-index/pkg/jsonconfig"
)

var ErrNotFound = errors.New("sorted: key not found")

// MaxKeySize and MaxValueSize bound what a backend is required to store in
// a single row; attrindex keys/values are well under these (claim refs and
// short attribute strings), but backends reject anything larger rather
// than silently truncating.
const (
	MaxKeySize   = 1024
	MaxValueSize = 1 << 20
)

var (
	ErrKeyTooLarge   = errors.New("sorted: key too large")
	ErrValueTooLarge = errors.New("sorted: value too large")
)

// CheckSizes validates that key and value fit within MaxKeySize and
// MaxValueSize before a backend attempts to store them.
func CheckSizes(key, value string) error {
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// KeyValue is a sorted, enumerable key-value interface supporting batch
// mutations.
type KeyValue interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	Get(key string) (string, error)

	Set(key, value string) error
	Delete(key string) error

	BeginBatch() BatchMutation
	CommitBatch(b BatchMutation) error

	// Find returns an iterator positioned before the first key/value pair
	// whose key is 'greater than or equal to' the given key. There may be no
	// such pair, in which case the iterator will return false on Next.
	//
	// Any error encountered will be implicitly returned via the iterator. An
	// error-iterator will yield no key/value pairs and closing that iterator
	// will return that error.
	Find(key string) Iterator

	// Close is a polite way for the server to shut down the storage.
	// Implementations should never lose data after a Set, Delete, or
	// CommitBatch, though.
	Close() error
}

// Iterator iterates over an index KeyValue's key/value pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
type Iterator interface {
	// Next moves the iterator to the next key/value pair.
	// It returns false when the iterator is exhausted.
	Next() bool

	// Key returns the key of the current key/value pair.
	// Only valid after a call to Next returns true.
	Key() string

	// Value returns the value of the current key/value pair.
	// Only valid after a call to Next returns true.
	Value() string

	// Close closes the iterator and returns any accumulated error.
	Close() error
}

type BatchMutation interface {
	Set(key, value string)
	Delete(key string)
}

type Mutation interface {
	Key() string
	Value() string
	IsDelete() bool
}

type mutation struct {
	key    string
	value  string // used if !delete
	delete bool   // if to be deleted
}

func (m mutation) Key() string   { return m.key }
func (m mutation) Value() string { return m.value }
func (m mutation) IsDelete() bool { return m.delete }

func NewBatchMutation() BatchMutation {
	return &batch{}
}

type batch struct {
	m []Mutation
}

func (b *batch) Mutations() []Mutation { return b.m }

func (b *batch) Delete(key string) {
	b.m = append(b.m, mutation{key: key, delete: true})
}

func (b *batch) Set(key, value string) {
	b.m = append(b.m, mutation{key: key, value: value})
}

var ctors = make(map[string]func(jsonconfig.Obj) (KeyValue, error))

// RegisterKeyValue registers a KeyValue backend constructor under typ, for
// use from attr-index.conf's "index_type" key.
func RegisterKeyValue(typ string, fn func(jsonconfig.Obj) (KeyValue, error)) {
	if typ == "" || fn == nil {
		panic("sorted: zero type or nil func")
	}
	if _, dup := ctors[typ]; dup {
		panic("sorted: duplicate registration of type " + typ)
	}
	ctors[typ] = fn
}

// NewKeyValue constructs the backend named by cfg's "type" key.
func NewKeyValue(cfg jsonconfig.Obj) (KeyValue, error) {
	typ := cfg.RequiredString("type")
	ctor, ok := ctors[typ]
	if !ok {
		return nil, fmt.Errorf("sorted: invalid index storage type %q", typ)
	}
	kv, err := ctor(cfg)
	if err != nil {
		return nil, err
	}
	return kv, cfg.Validate()
}
