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

// Alignment is the byte boundary every payload pointer and every stored
// size is rounded up to.
const Alignment = 16

// smallHeader sits at the start of every block in the small-block arena.
// prev/next are only meaningful while free is true; they live inline in
// the block itself so the free list costs no separate allocation, the
// same trick unsafex/malloc's buddy allocator uses for its free lists
// (offsets into the arena instead of boxed nodes).
type smallHeader struct {
	free bool
	size uintptr
	prev *smallHeader
	next *smallHeader
}

// smallFooter duplicates the header's size so the previous physical
// block can be located in O(1) from any block's header.
type smallFooter struct {
	size uintptr
	_    uintptr // pads FooterSize to a multiple of Alignment
}

// largeHeader sits at the base of every mmap-backed large-block mapping.
type largeHeader struct {
	size uintptr
	_    uintptr // pads LargeHeaderSize to a multiple of Alignment
}

// HeaderSize, FooterSize and LargeHeaderSize are derived from the struct
// layouts above instead of hard-coded, so they always match what gets
// written to memory. On every 64-bit arch Go actually ships a allocator
// like this on, HeaderSize == 32 and FooterSize == 16, exactly the sizes
// suggested as a conforming choice.
const (
	HeaderSize      = unsafe.Sizeof(smallHeader{})
	FooterSize      = unsafe.Sizeof(smallFooter{})
	LargeHeaderSize = unsafe.Sizeof(largeHeader{})
)

// MinSplit is the smallest remainder for which allocate/resize bother
// carving off a new free block instead of leaving slack inside the
// block being shrunk.
const MinSplit = HeaderSize + FooterSize + Alignment

// roundUp rounds n up to the next multiple of m. m must be a power of two.
func roundUp(n, m uintptr) uintptr {
	return (n + m - 1) &^ (m - 1)
}

func headerAt(addr uintptr) *smallHeader {
	return (*smallHeader)(unsafe.Pointer(addr))
}

func footerAt(addr uintptr) *smallFooter {
	return (*smallFooter)(unsafe.Pointer(addr))
}

func addrOf(h *smallHeader) uintptr {
	return uintptr(unsafe.Pointer(h))
}

// payloadAddr returns the address of the first payload byte of h.
func payloadAddr(h *smallHeader) uintptr {
	return addrOf(h) + HeaderSize
}

// footerAddr returns the address of h's footer.
func footerAddr(h *smallHeader) uintptr {
	return addrOf(h) + HeaderSize + h.size
}

// rightHeaderAddr returns the address a physically adjacent right
// neighbor's header would occupy. Callers must bounds-check the result
// against the arena before dereferencing it.
func rightHeaderAddr(h *smallHeader) uintptr {
	return footerAddr(h) + FooterSize
}

// leftFooterAddr returns the address of the footer belonging to h's
// left physical neighbor. Callers must bounds-check before dereferencing.
func leftFooterAddr(h *smallHeader) uintptr {
	return addrOf(h) - FooterSize
}

// leftHeaderAddr uses the size stored in the left neighbor's footer to
// step back to that neighbor's header address.
func leftHeaderAddr(h *smallHeader) uintptr {
	lf := footerAt(leftFooterAddr(h))
	return leftFooterAddr(h) - HeaderSize - lf.size
}

// writeFooter writes h's current size into its footer. Must be called
// after every mutation of h.size, on every branch, with no exceptions.
func writeFooter(h *smallHeader) {
	footerAt(footerAddr(h)).size = h.size
}

