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

//go:build darwin || netbsd || freebsd || openbsd || dragonfly
// +build darwin netbsd freebsd openbsd dragonfly

package sysmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const noFD = ^uintptr(0)

// Reserve reserves size bytes of virtual address space without
// committing any physical pages, via an anonymous PROT_NONE mapping.
func Reserve(size int) (uintptr, error) {
	size = RoundToPage(size)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("sysmem: reserve %d bytes: %w", size, err)
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// DataBreak returns the current end of the committed region for a
// reservation based at base.
func DataBreak(base uintptr) uintptr {
	return base
}

// Commit makes n bytes starting at base read/write by mapping over the
// existing reservation with MAP_FIXED.
func Commit(base uintptr, n int) error {
	n = RoundToPage(n)
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		base,
		uintptr(n),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON,
		noFD,
		0,
	)
	if errno != 0 {
		return fmt.Errorf("sysmem: commit %d bytes at %#x: %w", n, base, errno)
	}
	if addr != base {
		return fmt.Errorf("sysmem: commit returned %#x, want %#x", addr, base)
	}
	return nil
}

// MapAnonymous allocates a private anonymous region of exactly n bytes
// (rounded up to the page size), independent of any Reserve'd region.
func MapAnonymous(n int) (uintptr, error) {
	n = RoundToPage(n)
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("sysmem: map %d bytes: %w", n, err)
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// Unmap releases a region previously returned by MapAnonymous.
func Unmap(addr uintptr, n int) error {
	n = RoundToPage(n)
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("sysmem: unmap %d bytes at %#x: %w", n, addr, err)
	}
	return nil
}
