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

// insertTail appends b to the tail of the free list. b must already be
// marked free and detached (prev == next == nil). Keeping recently freed
// blocks at the tail biases first-fit toward older, lower-address blocks,
// which tends to reduce long-term fragmentation.
func (h *Heap) insertTail(b *smallHeader) {
	b.prev = nil
	b.next = nil
	if h.freeList == nil {
		h.freeList = b
		return
	}
	cur := h.freeList
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = b
	b.prev = cur
}

// unlink removes b from the free list, fixing up the head if needed, and
// clears both of b's link pointers.
func (h *Heap) unlink(b *smallHeader) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		h.freeList = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev = nil
	b.next = nil
}
