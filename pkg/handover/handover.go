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

// Package handover implements a single-slot rendezvous between one
// producer and one consumer, plus cooperative shutdown. It is the
// channel-idiomatic reading of a mutex-plus-two-condition-variables
// state machine: the slot's empty/occupied states and the two
// condition variables waiters block on become one buffered channel
// and one closed-on-shutdown channel, selected on directly instead of
// polled.
package handover

import (
	"context"
	"sync"
)

// Handover is a single-slot rendezvous for values of type T. The zero
// Handover is not usable; construct one with New.
type Handover[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	published bool
	value     T
	changed   chan struct{}
}

// New returns an empty Handover.
func New[T any]() *Handover[T] {
	return &Handover[T]{
		ch:      make(chan T, 1),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// Stop signals shutdown: every blocked and future Push, Pop, and Peek
// call returns immediately with ok=false. Stop is safe to call more
// than once and from any goroutine.
func (h *Handover[T]) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Push waits for the slot to be empty, then occupies it with v. It
// reports false without writing v if shutdown is signalled or ctx is
// done first.
func (h *Handover[T]) Push(ctx context.Context, v T) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ch <- v:
		h.publish(v)
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Publish immediately records v as the most recently published value,
// for Peek to observe, without going through the Push/Pop slot and
// without blocking. Use Publish on a handover used only in
// Publish-then-Peek mode, where a value may be republished many times
// over the handover's life and nothing ever calls Pop to drain the
// slot -- the current-index slot's repeated "publish a newly built
// index" is exactly this case, as opposed to the attr-spec and index
// handovers' single-rendezvous Push-then-Pop. It reports false if
// shutdown has been signalled.
func (h *Handover[T]) Publish(v T) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	h.publish(v)
	return true
}

func (h *Handover[T]) publish(v T) {
	h.mu.Lock()
	h.value = v
	h.published = true
	old := h.changed
	h.changed = make(chan struct{})
	h.mu.Unlock()
	close(old)
}

// Pop waits for the slot to be occupied, then empties it and returns
// the value moved out of it. It reports false if shutdown is
// signalled or ctx is done first, in which case the zero value of T
// is returned.
func (h *Handover[T]) Pop(ctx context.Context) (T, bool) {
	select {
	case <-h.done:
		var zero T
		return zero, false
	default:
	}
	select {
	case v := <-h.ch:
		return v, true
	case <-h.done:
		var zero T
		return zero, false
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// TryPop is a non-blocking variant of Pop: if the slot is occupied it
// empties it and returns the value, exactly like Pop; if the slot is
// empty it returns immediately with ok=false instead of waiting. Used
// by the sync worker to poll for a newly built index between claim
// merges without blocking on one.
func (h *Handover[T]) TryPop() (T, bool) {
	select {
	case v := <-h.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Peek waits for the slot to have been occupied at least once, then
// returns the most recently pushed or published value without
// consuming it. This is the non-destructive read the current-index
// slot needs: every query-server connection reads the live index, not
// just the first one to ask. Pushing or publishing a new value after a
// Peek makes the next Peek observe it; Peek never observes a Pop
// performed elsewhere; a Handover used as a non-destructive slot is
// written with Publish and read with Peek, never Popped.
func (h *Handover[T]) Peek(ctx context.Context) (T, bool) {
	for {
		select {
		case <-h.done:
			var zero T
			return zero, false
		default:
		}
		h.mu.Lock()
		if h.published {
			v := h.value
			h.mu.Unlock()
			return v, true
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
			continue
		case <-h.done:
			var zero T
			return zero, false
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}
