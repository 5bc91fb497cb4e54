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
	"unsafe"

	"github.com/dualloc/galloc/internal/sysmem"
)

// allocateLargeLocked maps a fresh anonymous region sized to fit the
// header and payload, writes the header, registers the payload address
// as a live mapping, and hands back the payload address. Never touches
// the free list, never splits, never coalesces. Caller must hold h.mu.
func (h *Heap) allocateLargeLocked(size uintptr) unsafe.Pointer {
	total := roundUp(LargeHeaderSize+size, Alignment)

	base, err := sysmem.MapAnonymous(int(total))
	if err != nil {
		return nil
	}

	lh := (*largeHeader)(unsafe.Pointer(base))
	lh.size = total - LargeHeaderSize

	payload := base + LargeHeaderSize
	if h.liveLarge == nil {
		h.liveLarge = make(map[uintptr]struct{})
	}
	h.liveLarge[payload] = struct{}{}

	h.largeMappings++
	h.largeBytes += int(total)

	return unsafe.Pointer(payload)
}

// largeHeaderFor recovers the header belonging to a payload pointer the
// caller claims came from the large-block path. It panics if payload is
// not currently registered as a live large-block mapping, which catches
// a double free or a pointer this Heap never issued. Membership is
// checked against h.liveLarge, an in-process registry, rather than by
// re-reading a tag out of the mapping itself: unlike an arena that is
// never returned to the OS, a freed mmap region may already be
// unmapped, so nothing may safely read it again. Caller must hold h.mu.
func (h *Heap) largeHeaderFor(payload unsafe.Pointer) *largeHeader {
	if _, live := h.liveLarge[uintptr(payload)]; !live {
		panic("galloc: double free or invalid pointer")
	}
	return (*largeHeader)(unsafe.Pointer(uintptr(payload) - LargeHeaderSize))
}

// deallocateLargeLocked recovers the header, unregisters the mapping so
// a repeated free of the same pointer is caught before it can unmap
// memory twice, and unmaps the entire region in one call, returning it
// to the OS immediately. Caller must hold h.mu.
func (h *Heap) deallocateLargeLocked(payload unsafe.Pointer) {
	lh := h.largeHeaderFor(payload)
	delete(h.liveLarge, uintptr(payload))

	base := uintptr(payload) - LargeHeaderSize
	total := lh.size + LargeHeaderSize
	if err := sysmem.Unmap(base, int(total)); err != nil {
		h.logf("galloc: unmap %d bytes at %#x failed: %v", total, base, err)
		return
	}

	h.largeMappings--
	h.largeBytes -= int(total)
}
