/*
 * Copyright 2024 galloc Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package galloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := NewHeap(&Options{
		ArenaGrowth:    1024,
		LargeThreshold: 8192,
		ReserveSize:    1 << 20,
	})
	require.NoError(t, err)
	return h
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		o       *Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"growth_not_aligned", &Options{ArenaGrowth: 17, LargeThreshold: 8192, ReserveSize: 1 << 20}, true},
		{"growth_too_small", &Options{ArenaGrowth: 16, LargeThreshold: 8192, ReserveSize: 1 << 20}, true},
		{"threshold_zero", &Options{ArenaGrowth: 1024, LargeThreshold: 0, ReserveSize: 1 << 20}, true},
		{"reserve_smaller_than_growth", &Options{ArenaGrowth: 4096, LargeThreshold: 8192, ReserveSize: 1024}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHeap(tt.o)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllocateZeroOrNegativeSizeFails(t *testing.T) {
	h := newTestHeap(t)
	assert.Nil(t, h.Allocate(0))
	assert.Nil(t, h.Allocate(-1))
}

func TestAllocateBasicReadWrite(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(100)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 100)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		assert.Equal(t, byte(i), buf[i])
	}
	h.Deallocate(p)
}

func TestAllocateDistinctNonOverlappingRegions(t *testing.T) {
	h := newTestHeap(t)

	a := h.Allocate(64)
	b := h.Allocate(64)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a, b)

	aBuf := unsafe.Slice((*byte)(a), 64)
	bBuf := unsafe.Slice((*byte)(b), 64)
	for i := range aBuf {
		aBuf[i] = 0xAA
	}
	for i := range bBuf {
		bBuf[i] = 0xBB
	}
	for i := range aBuf {
		assert.Equal(t, byte(0xAA), aBuf[i])
	}
}

func TestDeallocateNilIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	assert.NotPanics(t, func() { h.Deallocate(nil) })
}

func TestFreedBlockIsReusedByFirstFit(t *testing.T) {
	h := newTestHeap(t)

	p1 := h.Allocate(64)
	require.NotNil(t, p1)
	h.Deallocate(p1)

	p2 := h.Allocate(64)
	require.NotNil(t, p2)
	assert.Equal(t, p1, p2, "a same-size allocation after a free should reuse the freed block")
}

func TestCoalesceMergesAdjacentFreedBlocks(t *testing.T) {
	h := newTestHeap(t)

	a := h.Allocate(32)
	b := h.Allocate(32)
	c := h.Allocate(32)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	h.Deallocate(a)
	h.Deallocate(c)
	h.Deallocate(b)

	// a, b and c are physically adjacent and now all free; a single
	// coalesced allocation request spanning all three should succeed
	// out of the merged block without growing the arena again.
	before := h.Stats().ArenaBytes
	big := h.Allocate(96)
	require.NotNil(t, big)
	after := h.Stats().ArenaBytes
	assert.Equal(t, before, after, "coalesced free space should satisfy the request without growth")
}

func TestZeroAllocateZeroesMemory(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(128)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 128)
	for i := range buf {
		buf[i] = 0xFF
	}
	h.Deallocate(p)

	z := h.ZeroAllocate(16, 8)
	require.NotNil(t, z)
	zbuf := unsafe.Slice((*byte)(z), 128)
	for _, b := range zbuf {
		assert.Equal(t, byte(0), b)
	}
}

func TestZeroAllocateRejectsOverflowAndZero(t *testing.T) {
	h := newTestHeap(t)
	assert.Nil(t, h.ZeroAllocate(0, 8))
	assert.Nil(t, h.ZeroAllocate(8, 0))
	assert.Nil(t, h.ZeroAllocate(1<<32, 1<<32), "count*elemSize should overflow uintptr and fail cleanly")
}

func TestResizeNilActsAsAllocate(t *testing.T) {
	h := newTestHeap(t)
	p := h.Resize(nil, 64)
	assert.NotNil(t, p)
}

func TestResizeZeroActsAsDeallocate(t *testing.T) {
	h := newTestHeap(t)
	p := h.Allocate(64)
	require.NotNil(t, p)

	out := h.Resize(p, 0)
	assert.Nil(t, out)

	p2 := h.Allocate(64)
	assert.Equal(t, p, p2, "the block freed by Resize(p, 0) should be reusable")
}

func TestResizeShrinkInPlacePreservesPrefix(t *testing.T) {
	h := newTestHeap(t)
	p := h.Allocate(256)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 256)
	for i := range buf {
		buf[i] = byte(i)
	}

	out := h.Resize(p, 32)
	require.NotNil(t, out)
	assert.Equal(t, p, out, "shrinking should stay in place")

	shrunk := unsafe.Slice((*byte)(out), 32)
	for i := range shrunk {
		assert.Equal(t, byte(i), shrunk[i])
	}
}

func TestResizeGrowViaMergeRight(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(32)
	right := h.Allocate(32)
	require.NotNil(t, p)
	require.NotNil(t, right)
	h.Deallocate(right)

	buf := unsafe.Slice((*byte)(p), 32)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	out := h.Resize(p, 64)
	require.NotNil(t, out)
	assert.Equal(t, p, out, "growing into a free right neighbor should stay in place")

	grown := unsafe.Slice((*byte)(out), 32)
	for i := range grown {
		assert.Equal(t, byte(i+1), grown[i])
	}
}

func TestResizeGrowViaReallocateWhenNoRoom(t *testing.T) {
	h := newTestHeap(t)

	p := h.Allocate(32)
	require.NotNil(t, p)
	right := h.Allocate(32) // keeps the right neighbor live so merge-right can't happen
	require.NotNil(t, right)

	buf := unsafe.Slice((*byte)(p), 32)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	out := h.Resize(p, 64)
	require.NotNil(t, out)
	assert.NotEqual(t, p, out, "growing without a free right neighbor must relocate")

	grown := unsafe.Slice((*byte)(out), 32)
	for i := range grown {
		assert.Equal(t, byte(i+1), grown[i])
	}
}

func TestResizeSameSizeIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	p := h.Allocate(48)
	require.NotNil(t, p)

	out := h.Resize(p, 48)
	assert.Equal(t, p, out)
}

func TestStatsTracksLiveAndFreeBytes(t *testing.T) {
	h := newTestHeap(t)

	s0 := h.Stats()
	assert.Equal(t, 0, s0.SmallLiveBytes)

	p := h.Allocate(64)
	require.NotNil(t, p)
	s1 := h.Stats()
	assert.GreaterOrEqual(t, s1.SmallLiveBytes, 64)

	h.Deallocate(p)
	s2 := h.Stats()
	assert.Equal(t, 0, s2.SmallLiveBytes)
	assert.Greater(t, s2.SmallFreeBytes, 0)
}

func TestArenaGrowsAcrossChunks(t *testing.T) {
	h := newTestHeap(t)

	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		p := h.Allocate(64)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}
	s := h.Stats()
	assert.Greater(t, s.ArenaBytes, 1024, "64 64-byte allocations should have forced the arena to grow past one chunk")

	for _, p := range ptrs {
		h.Deallocate(p)
	}
}

func TestPackageLevelDefaultHeap(t *testing.T) {
	p := Allocate(32)
	require.NotNil(t, p)
	Deallocate(p)

	z := ZeroAllocate(4, 8)
	require.NotNil(t, z)
	Deallocate(z)

	_ = StatsDefault()
}

func TestConcurrentAllocateDeallocateIsSafe(t *testing.T) {
	h := newTestHeap(t)

	done := make(chan struct{})
	const workers = 16
	const perWorker = 200

	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < perWorker; j++ {
				size := 16 + (j % 200)
				p := h.Allocate(size)
				if p == nil {
					continue
				}
				buf := unsafe.Slice((*byte)(p), size)
				buf[0] = 1
				buf[size-1] = 2
				h.Deallocate(p)
			}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}
