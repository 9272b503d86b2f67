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

package handover

import (
	"context"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

func TestPushPopRoundTrip(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	if ok := h.Push(ctx, 42); !ok {
		t.Fatal("Push returned false")
	}
	v, ok := h.Pop(ctx)
	if !ok || v != 42 {
		t.Fatalf("Pop = %d, %v, want 42, true", v, ok)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	h := New[string]()
	ctx := context.Background()

	result := make(chan string, 1)
	go func() {
		v, ok := h.Pop(ctx)
		if !ok {
			result <- "<shutdown>"
			return
		}
		result <- v
	}()

	select {
	case v := <-result:
		t.Fatalf("Pop returned %q before any Push", v)
	case <-time.After(20 * time.Millisecond):
	}

	if ok := h.Push(ctx, "payload"); !ok {
		t.Fatal("Push returned false")
	}

	select {
	case v := <-result:
		if v != "payload" {
			t.Errorf("Pop = %q, want %q", v, "payload")
		}
	case <-time.After(testTimeout):
		t.Fatal("Pop never returned after Push")
	}
}

func TestPushBlocksUntilSlotEmpty(t *testing.T) {
	h := New[int]()
	ctx := context.Background()
	if ok := h.Push(ctx, 1); !ok {
		t.Fatal("first Push returned false")
	}

	pushed := make(chan bool, 1)
	go func() {
		pushed <- h.Push(ctx, 2)
	}()

	select {
	case <-pushed:
		t.Fatal("second Push returned before the slot was emptied")
	case <-time.After(20 * time.Millisecond):
	}

	if v, ok := h.Pop(ctx); !ok || v != 1 {
		t.Fatalf("Pop = %d, %v, want 1, true", v, ok)
	}

	select {
	case ok := <-pushed:
		if !ok {
			t.Error("second Push returned false")
		}
	case <-time.After(testTimeout):
		t.Fatal("second Push never unblocked after Pop")
	}
}

func TestStopUnblocksPop(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		_, ok := h.Pop(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	h.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop reported ok=true after Stop")
		}
	case <-time.After(testTimeout):
		t.Fatal("Pop never unblocked after Stop")
	}

	if ok := h.Push(ctx, 1); ok {
		t.Error("Push after Stop reported ok=true")
	}
}

func TestStopUnblocksPush(t *testing.T) {
	h := New[int]()
	ctx := context.Background()
	if ok := h.Push(ctx, 1); !ok {
		t.Fatal("first Push returned false")
	}

	done := make(chan bool, 1)
	go func() {
		done <- h.Push(ctx, 2) // slot is full; blocks until Stop
	}()

	time.Sleep(10 * time.Millisecond)
	h.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Error("blocked Push reported ok=true after Stop")
		}
	case <-time.After(testTimeout):
		t.Fatal("blocked Push never unblocked after Stop")
	}
}

func TestPushRespectsContext(t *testing.T) {
	h := New[int]()
	if ok := h.Push(context.Background(), 1); !ok {
		t.Fatal("first Push returned false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ok := h.Push(ctx, 2); ok {
		t.Error("Push past a full slot should not succeed before ctx is done")
	}
}

func TestPeekIsNonDestructive(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	if ok := h.Push(ctx, 7); !ok {
		t.Fatal("Push returned false")
	}
	for i := 0; i < 3; i++ {
		v, ok := h.Peek(ctx)
		if !ok || v != 7 {
			t.Fatalf("Peek[%d] = %d, %v, want 7, true", i, v, ok)
		}
	}
	// The slot is still occupied; Pop still observes the pushed value.
	v, ok := h.Pop(ctx)
	if !ok || v != 7 {
		t.Fatalf("Pop after Peek = %d, %v, want 7, true", v, ok)
	}
}

func TestPeekBlocksUntilFirstPublish(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	result := make(chan int, 1)
	go func() {
		v, ok := h.Peek(ctx)
		if !ok {
			result <- -1
			return
		}
		result <- v
	}()

	select {
	case v := <-result:
		t.Fatalf("Peek returned %d before any Push", v)
	case <-time.After(20 * time.Millisecond):
	}

	if ok := h.Push(ctx, 99); !ok {
		t.Fatal("Push returned false")
	}

	select {
	case v := <-result:
		if v != 99 {
			t.Errorf("Peek = %d, want 99", v)
		}
	case <-time.After(testTimeout):
		t.Fatal("Peek never returned after Push")
	}
}

func TestTryPopNonBlocking(t *testing.T) {
	h := New[int]()
	if _, ok := h.TryPop(); ok {
		t.Fatal("TryPop on empty slot reported ok=true")
	}
	h.Push(context.Background(), 5)
	v, ok := h.TryPop()
	if !ok || v != 5 {
		t.Fatalf("TryPop = %d, %v, want 5, true", v, ok)
	}
	if _, ok := h.TryPop(); ok {
		t.Fatal("TryPop after draining reported ok=true")
	}
}

func TestPublishNeverBlocksAcrossRepublishes(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok := h.Publish(i); !ok {
			t.Fatalf("Publish(%d) returned false", i)
		}
		v, ok := h.Peek(ctx)
		if !ok || v != i {
			t.Fatalf("Peek after Publish(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestPublishAfterStopReportsFalse(t *testing.T) {
	h := New[int]()
	h.Stop()
	if ok := h.Publish(1); ok {
		t.Error("Publish after Stop reported ok=true")
	}
}

func TestPeekSeesLatestPublishAfterPop(t *testing.T) {
	h := New[int]()
	ctx := context.Background()

	h.Push(ctx, 1)
	h.Pop(ctx) // consumes the slot; Peek still remembers the last publish
	v, ok := h.Peek(ctx)
	if !ok || v != 1 {
		t.Fatalf("Peek = %d, %v, want 1, true", v, ok)
	}

	h.Push(ctx, 2)
	v, ok = h.Peek(ctx)
	if !ok || v != 2 {
		t.Fatalf("Peek after second Push = %d, %v, want 2, true", v, ok)
	}
}
