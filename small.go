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

import "unsafe"

// allocateSmallLocked rounds the request up, lazily creates the arena
// on first use, first-fit searches the free list, splits the found
// block when the remainder is large enough to be worth keeping, and
// grows the arena and retries on exhaustion. Caller must hold h.mu.
func (h *Heap) allocateSmallLocked(size uintptr) unsafe.Pointer {
	total := roundUp(HeaderSize+size+FooterSize, Alignment)
	payloadTarget := total - HeaderSize - FooterSize

	if h.arenaStart == 0 && h.freeList == nil {
		if !h.growArena(uintptr(h.opts.ArenaGrowth)) {
			return nil
		}
	}

	for {
		for b := h.freeList; b != nil; b = b.next {
			if b.size < payloadTarget {
				continue
			}

			h.unlink(b)
			remaining := b.size - payloadTarget
			if remaining >= MinSplit {
				b.size = payloadTarget
				writeFooter(b)

				nb := headerAt(footerAddr(b) + FooterSize)
				nb.free = true
				nb.size = remaining - HeaderSize - FooterSize
				nb.prev, nb.next = nil, nil
				writeFooter(nb)
				h.insertTail(nb)
			}

			b.free = false
			b.prev, b.next = nil, nil
			h.smallLive += int(b.size)
			return unsafe.Pointer(payloadAddr(b))
		}

		if !h.growArena(uintptr(h.opts.ArenaGrowth)) {
			return nil
		}
	}
}

// deallocateSmallLocked marks the block free, coalesces it with free
// physical neighbors, and inserts the result at the tail of the free
// list. Caller must hold h.mu.
func (h *Heap) deallocateSmallLocked(payload unsafe.Pointer) {
	hdr := headerAt(uintptr(payload) - HeaderSize)
	hdr.free = true
	h.smallLive -= int(hdr.size)

	merged := h.coalesce(hdr)
	h.insertTail(merged)
}

// resizeSmallLocked handles the in-place resize cases for a block known
// to live in the arena: same size, shrink-with-optional-split, and
// grow-via-merge-right-with-optional-resplit. ok is false when growth
// needs more than a free right neighbor can supply, in which case the
// caller falls back to allocate-copy-deallocate; the original block is
// left completely untouched so the caller can still read its old size.
// Caller must hold h.mu.
func (h *Heap) resizeSmallLocked(payload unsafe.Pointer, newSize uintptr) (out unsafe.Pointer, ok bool) {
	hdr := headerAt(uintptr(payload) - HeaderSize)
	old := hdr.size
	req := roundUp(newSize, Alignment)

	if req == old {
		return payload, true
	}

	if req < old {
		if old-req >= MinSplit {
			hdr.size = req
			writeFooter(hdr)
			h.smallLive -= int(old - req)

			nb := headerAt(footerAddr(hdr) + FooterSize)
			nb.free = true
			nb.size = old - req - HeaderSize - FooterSize
			nb.prev, nb.next = nil, nil
			writeFooter(nb)

			merged := h.coalesce(nb)
			h.insertTail(merged)
		}
		return payload, true
	}

	// req > old: try growing by merging with a free right neighbor.
	rAddr := rightHeaderAddr(hdr)
	if rAddr < h.arenaEnd {
		rh := headerAt(rAddr)
		if rh.free && old+HeaderSize+FooterSize+rh.size >= req {
			h.unlink(rh)
			combined := old + HeaderSize + FooterSize + rh.size

			hdr.size = combined
			writeFooter(hdr)

			leftover := combined - req
			if leftover >= MinSplit {
				hdr.size = req
				writeFooter(hdr)

				nb := headerAt(footerAddr(hdr) + FooterSize)
				nb.free = true
				nb.size = leftover - HeaderSize - FooterSize
				nb.prev, nb.next = nil, nil
				writeFooter(nb)
				h.insertTail(nb)
			}

			h.smallLive += int(hdr.size - old)
			return payload, true
		}
	}

	return nil, false
}
