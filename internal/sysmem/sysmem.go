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

// Package sysmem wraps the two OS primitives galloc's allocator is built
// on: extending a contiguous program data region, and mapping/unmapping
// anonymous virtual memory. Platform-specific files provide the actual
// syscalls; this file holds the shared, portable pieces.
//
// None of the functions here are safe for concurrent use by themselves;
// galloc.Heap calls them exclusively under its own mutex.
package sysmem

import "os"

// PageSize is the OS page size. All requests made through this package
// are rounded up to a multiple of it.
var PageSize = os.Getpagesize()

// RoundToPage rounds n up to the next multiple of PageSize.
func RoundToPage(n int) int {
	if n <= 0 {
		return 0
	}
	ps := PageSize
	return (n + ps - 1) &^ (ps - 1)
}
