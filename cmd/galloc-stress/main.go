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

// Command galloc-stress is a smoke test and benchmark harness that
// only calls galloc.NewHeap, Heap.Allocate, Heap.Deallocate and
// Heap.Stats and prints a report. It contains no allocator logic of its
// own.
package main

import (
	"flag"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/fastrand"

	"github.com/dualloc/galloc"
)

func main() {
	n := flag.Int("n", 5000, "number of allocations to drive through the heap")
	workers := flag.Int("workers", 8, "number of goroutines sharing the heap concurrently")
	minSize := flag.Int("min", 1, "minimum allocation size in bytes")
	maxSize := flag.Int("max", 2048, "maximum allocation size in bytes")
	flag.Parse()

	h, err := galloc.NewHeap(nil)
	if err != nil {
		fmt.Println("failed to create heap:", err)
		return
	}

	report := runStress(h, *n, *workers, *minSize, *maxSize)
	fmt.Printf("allocations:     %d\n", report.allocations)
	fmt.Printf("freed inline:    %d\n", report.freedInline)
	fmt.Printf("freed at end:    %d\n", report.freedAtEnd)
	fmt.Printf("sentinel misses: %d (allocations that returned nil)\n", report.failures)

	s := h.Stats()
	fmt.Printf("arena bytes:        %d\n", s.ArenaBytes)
	fmt.Printf("small live bytes:   %d\n", s.SmallLiveBytes)
	fmt.Printf("small free bytes:   %d\n", s.SmallFreeBytes)
	fmt.Printf("free blocks:        %d\n", s.FreeBlocks)
	fmt.Printf("large mappings:     %d\n", s.LargeMappings)
	fmt.Printf("large bytes:        %d\n", s.LargeBytes)
}

type stressReport struct {
	allocations int
	freedInline int
	freedAtEnd  int
	failures    int
}

// runStress spreads n allocations of sizes uniform in [minSize,maxSize]
// across workers goroutines sharing h, freeing roughly one third of
// them inline and the remainder once all workers finish. Every
// allocation and free goes through the same Heap from multiple
// goroutines at once, exercising the allocator's concurrency guarantees
// by construction.
func runStress(h *galloc.Heap, n, workers, minSize, maxSize int) stressReport {
	if workers < 1 {
		workers = 1
	}
	spread := maxSize - minSize + 1

	var mu sync.Mutex
	var report stressReport
	var survivors []unsafe.Pointer

	var wg sync.WaitGroup
	perWorker := n / workers
	for w := 0; w < workers; w++ {
		count := perWorker
		if w < n%workers {
			count++
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []unsafe.Pointer
			for i := 0; i < count; i++ {
				size := minSize + fastrand.Intn(spread)
				p := h.Allocate(size)

				mu.Lock()
				report.allocations++
				if p == nil {
					report.failures++
				}
				mu.Unlock()

				if p == nil {
					continue
				}
				if fastrand.Intn(3) == 0 {
					h.Deallocate(p)
					mu.Lock()
					report.freedInline++
					mu.Unlock()
					continue
				}
				local = append(local, p)
			}
			mu.Lock()
			survivors = append(survivors, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, p := range survivors {
		h.Deallocate(p)
		report.freedAtEnd++
	}
	return report
}
