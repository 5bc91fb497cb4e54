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

// Package galloc implements a general-purpose dynamic memory allocator
// for a single process, backed by two distinct memory sources: a
// contiguous, monotonically extendable arena used for small allocations
// and managed with an explicit free list plus boundary tags, and direct
// anonymous kernel mappings used for large allocations so that freeing
// one releases the whole virtual region back to the OS immediately.
package galloc

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/dualloc/galloc/internal/sysmem"
)

const (
	// DefaultArenaGrowth is the unit by which the small-block arena
	// grows on exhaustion (16KiB).
	DefaultArenaGrowth = 0x4000

	// DefaultLargeThreshold is the total (header+payload, rounded up)
	// size at or above which a request is routed to the large-block
	// path (128KiB).
	DefaultLargeThreshold = 0x20000

	// DefaultReserveSize is the amount of virtual address space reserved
	// up front for the small-block arena (1GiB). Reserving-then-
	// committing (the technique used to get a contiguous, growable
	// arena out of mmap, since Go programs cannot safely call sbrk(2)
	// themselves) needs an upper bound on how large the arena may ever
	// grow.
	DefaultReserveSize = 1 << 30
)

// Options configures a Heap. The zero value is not valid on its own;
// use DefaultOptions or pass nil to NewHeap.
type Options struct {
	// ArenaGrowth is the unit by which the small-block arena grows.
	// Must be a multiple of Alignment.
	ArenaGrowth int

	// LargeThreshold is the size at or above which requests are routed
	// to the large-block (mmap) path instead of the arena.
	LargeThreshold int

	// ReserveSize bounds how large the small-block arena may grow over
	// the Heap's lifetime.
	ReserveSize int

	// Logger, if non-nil, receives a line whenever a failure is detected
	// and survived (an unmap that fails while freeing a large block).
	// Freeing a large-block pointer this Heap never issued panics instead
	// of being logged. Nil means silent.
	Logger *log.Logger
}

// DefaultOptions returns the allocator's default tuning constants.
func DefaultOptions() *Options {
	return &Options{
		ArenaGrowth:    DefaultArenaGrowth,
		LargeThreshold: DefaultLargeThreshold,
		ReserveSize:    DefaultReserveSize,
	}
}

func (o *Options) validate() error {
	if o.ArenaGrowth <= 0 || o.ArenaGrowth%Alignment != 0 {
		return fmt.Errorf("galloc: ArenaGrowth must be a positive multiple of %d, got %d", Alignment, o.ArenaGrowth)
	}
	if uintptr(o.ArenaGrowth) < MinSplit {
		return fmt.Errorf("galloc: ArenaGrowth must be >= %d, got %d", MinSplit, o.ArenaGrowth)
	}
	if o.LargeThreshold <= 0 || o.LargeThreshold%Alignment != 0 {
		return fmt.Errorf("galloc: LargeThreshold must be a positive multiple of %d, got %d", Alignment, o.LargeThreshold)
	}
	if o.ReserveSize <= 0 || o.ReserveSize%Alignment != 0 {
		return fmt.Errorf("galloc: ReserveSize must be a positive multiple of %d, got %d", Alignment, o.ReserveSize)
	}
	if o.ReserveSize < o.ArenaGrowth {
		return fmt.Errorf("galloc: ReserveSize (%d) must be >= ArenaGrowth (%d)", o.ReserveSize, o.ArenaGrowth)
	}
	return nil
}

// Heap is a dual-source allocator: small requests are served from a
// contiguous arena grown on demand, large requests are routed straight
// to anonymous kernel mappings. All operations are safe for concurrent
// use; a single mutex serializes every entry into the Heap.
type Heap struct {
	mu sync.Mutex

	opts Options

	arenaStart uintptr // 0 until the first small allocation ever made
	arenaEnd   uintptr
	reserveEnd uintptr

	freeList *smallHeader

	smallLive     int // payload bytes currently allocated out of the arena
	largeMappings int
	largeBytes    int // total bytes mapped (header+payload) across live large blocks

	liveLarge map[uintptr]struct{} // payload addresses with a live large-block mapping
}

// NewHeap constructs an independent allocator. A nil Options uses
// DefaultOptions.
func NewHeap(o *Options) (*Heap, error) {
	if o == nil {
		o = DefaultOptions()
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Heap{opts: *o}, nil
}

var defaultHeap, _ = NewHeap(nil)

// Allocate services a variably-sized allocation request, dispatching to
// the small-block arena or the large-block mmap path by size. Returns
// nil (the failure sentinel) for size <= 0 or on OS memory exhaustion.
func (h *Heap) Allocate(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateLocked(uintptr(size))
}

func (h *Heap) allocateLocked(size uintptr) unsafe.Pointer {
	if roundUp(LargeHeaderSize+size, Alignment) >= uintptr(h.opts.LargeThreshold) {
		return h.allocateLargeLocked(size)
	}
	return h.allocateSmallLocked(size)
}

// ZeroAllocate allocates space for count objects of size elemSize each
// and zero-fills it. Fails (returns nil) if count or elemSize is zero or
// if their product would overflow.
func (h *Heap) ZeroAllocate(count, elemSize int) unsafe.Pointer {
	if count <= 0 || elemSize <= 0 {
		return nil
	}
	if uintptr(count) > maxUintptr/uintptr(elemSize) {
		return nil
	}
	total := uintptr(count) * uintptr(elemSize)

	h.mu.Lock()
	ptr := h.allocateLocked(total)
	h.mu.Unlock()

	if ptr == nil {
		return nil
	}
	zeroFill(ptr, total)
	return ptr
}

// Deallocate returns ptr to the allocator. ptr must be nil (a no-op) or
// a pointer previously returned by Allocate/ZeroAllocate/Resize on this
// Heap; anything else is a caller-contract violation (undefined
// behavior).
func (h *Heap) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := uintptr(ptr)
	if h.inArena(addr - HeaderSize) {
		h.deallocateSmallLocked(ptr)
		return
	}
	h.deallocateLargeLocked(ptr)
}

// Resize mirrors classic realloc semantics: nil ptr behaves like
// Allocate, newSize == 0 behaves like Deallocate, shrinking may be done
// in place with slack retained, and growing tries merge-right before
// falling back to allocate-copy-deallocate. On failure to grow, the
// original block is left untouched and nil is returned.
func (h *Heap) Resize(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	if ptr == nil {
		return h.Allocate(newSize)
	}
	if newSize == 0 {
		h.Deallocate(ptr)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	addr := uintptr(ptr)
	if h.inArena(addr - HeaderSize) {
		if out, ok := h.resizeSmallLocked(ptr, uintptr(newSize)); ok {
			return out
		}
		hdr := headerAt(addr - HeaderSize)
		oldSize := hdr.size
		newPtr := h.allocateLocked(uintptr(newSize))
		if newPtr == nil {
			return nil
		}
		copyBytes(newPtr, ptr, minUintptr(oldSize, uintptr(newSize)))
		h.deallocateSmallLocked(ptr)
		return newPtr
	}

	lh := h.largeHeaderFor(ptr)
	oldSize := lh.size
	newPtr := h.allocateLocked(uintptr(newSize))
	if newPtr == nil {
		return nil
	}
	copyBytes(newPtr, ptr, minUintptr(oldSize, uintptr(newSize)))
	h.deallocateLargeLocked(ptr)
	return newPtr
}

// Stats is a read-only, lock-protected snapshot of allocator bookkeeping.
// It reports simple byte/block counters, not a fragmentation analysis.
type Stats struct {
	ArenaBytes     int // total committed bytes of the small-block arena
	SmallLiveBytes int // payload bytes currently allocated out of the arena
	SmallFreeBytes int // payload bytes currently on the free list
	FreeBlocks     int // number of blocks currently on the free list
	LargeMappings  int // number of live large-block mappings
	LargeBytes     int // total bytes mapped for live large blocks
}

// Stats returns a snapshot of the Heap's current bookkeeping.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	var freeBytes, freeBlocks int
	for b := h.freeList; b != nil; b = b.next {
		freeBytes += int(b.size)
		freeBlocks++
	}
	arenaBytes := 0
	if h.arenaStart != 0 {
		arenaBytes = int(h.arenaEnd - h.arenaStart)
	}
	return Stats{
		ArenaBytes:     arenaBytes,
		SmallLiveBytes: h.smallLive,
		SmallFreeBytes: freeBytes,
		FreeBlocks:     freeBlocks,
		LargeMappings:  h.largeMappings,
		LargeBytes:     h.largeBytes,
	}
}

func (h *Heap) inArena(addr uintptr) bool {
	return h.arenaStart != 0 && addr >= h.arenaStart && addr < h.arenaEnd
}

func (h *Heap) logf(format string, args ...interface{}) {
	if h.opts.Logger != nil {
		h.opts.Logger.Printf(format, args...)
	}
}

// growArena extends the arena by n bytes (reserving the virtual region
// on first use and committing any pages the new bytes reach), builds a single free block spanning the new
// bytes, coalesces it with its left neighbor if that neighbor is free,
// and inserts the (possibly merged) block at the tail of the free list.
// Returns false on OS memory exhaustion.
func (h *Heap) growArena(n uintptr) bool {
	if h.arenaStart == 0 {
		base, err := sysmem.Reserve(h.opts.ReserveSize)
		if err != nil {
			return false
		}
		h.arenaStart = sysmem.DataBreak(base)
		h.arenaEnd = h.arenaStart
		h.reserveEnd = base + uintptr(h.opts.ReserveSize)
	}

	if h.arenaEnd+n > h.reserveEnd {
		return false
	}
	// Commit works in whole, page-aligned pages, so commit only the pages
	// the new bytes reach that an earlier growth has not committed yet.
	committed := h.arenaStart + uintptr(sysmem.RoundToPage(int(h.arenaEnd-h.arenaStart)))
	want := h.arenaStart + uintptr(sysmem.RoundToPage(int(h.arenaEnd+n-h.arenaStart)))
	if want > committed {
		if err := sysmem.Commit(committed, int(want-committed)); err != nil {
			return false
		}
	}

	blockAddr := h.arenaEnd
	h.arenaEnd += n

	hdr := headerAt(blockAddr)
	hdr.free = true
	hdr.size = n - HeaderSize - FooterSize
	hdr.prev, hdr.next = nil, nil
	writeFooter(hdr)

	merged := h.coalesce(hdr)
	h.insertTail(merged)
	return true
}

// coalesce merges b, which must be free and already detached from the
// free list, with its left and/or right physical neighbors if they are
// also free, unlinking them from the free list in the process. Returns
// the (possibly merged) block header, still detached.
func (h *Heap) coalesce(b *smallHeader) *smallHeader {
	if addrOf(b) > h.arenaStart {
		lfAddr := leftFooterAddr(b)
		if lfAddr >= h.arenaStart {
			lhAddr := leftHeaderAddr(b)
			if lhAddr >= h.arenaStart {
				lh := headerAt(lhAddr)
				if lh.free {
					h.unlink(lh)
					lh.size = lh.size + HeaderSize + FooterSize + b.size
					writeFooter(lh)
					b = lh
				}
			}
		}
	}

	rAddr := rightHeaderAddr(b)
	if rAddr < h.arenaEnd {
		rh := headerAt(rAddr)
		if rh.free {
			h.unlink(rh)
			b.size = b.size + HeaderSize + FooterSize + rh.size
			writeFooter(b)
		}
	}

	return b
}

const maxUintptr = ^uintptr(0)

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// zeroFill writes n zero bytes starting at ptr.
func zeroFill(ptr unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(ptr), n)
	for i := range b {
		b[i] = 0
	}
}

// copyBytes copies the first n bytes from src to dst. The two regions
// must not overlap (always true here: dst is always a freshly allocated
// block distinct from src).
func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}

// Allocate services a request against the package-wide default Heap.
func Allocate(size int) unsafe.Pointer { return defaultHeap.Allocate(size) }

// ZeroAllocate services a request against the package-wide default Heap.
func ZeroAllocate(count, elemSize int) unsafe.Pointer {
	return defaultHeap.ZeroAllocate(count, elemSize)
}

// Deallocate frees ptr against the package-wide default Heap.
func Deallocate(ptr unsafe.Pointer) { defaultHeap.Deallocate(ptr) }

// Resize resizes ptr against the package-wide default Heap.
func Resize(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	return defaultHeap.Resize(ptr, newSize)
}

// StatsDefault returns a Stats snapshot of the package-wide default Heap.
func StatsDefault() Stats { return defaultHeap.Stats() }
