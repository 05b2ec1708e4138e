// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"container/heap"
	"slices"
)

// scoredIndex is an entry of topKHeap.
type scoredIndex struct {
	score float64
	index int
}

// better defines the selection order: higher score first, lower index first on ties.
func (a scoredIndex) better(b scoredIndex) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.index < b.index
}

// topKHeap keeps the k best entries seen so far, with the worst of them at the root.
type topKHeap []scoredIndex

func (h topKHeap) Len() int           { return len(h) }
func (h topKHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h topKHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *topKHeap) Push(x any)        { *h = append(*h, x.(scoredIndex)) }
func (h *topKHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK selects the k best values (see scoredIndex.better) and returns them best first.
// The result reuses the storage of h, which is returned for reuse in the next call.
func topK(h topKHeap, values []float64, k int) topKHeap {
	h = h[:0]
	if k <= 0 {
		return h
	}
	for idx, v := range values {
		entry := scoredIndex{score: v, index: idx}
		if len(h) < k {
			heap.Push(&h, entry)
			continue
		}
		if entry.better(h[0]) {
			h[0] = entry
			heap.Fix(&h, 0)
		}
	}
	slices.SortFunc(h, func(a, b scoredIndex) int {
		if a.better(b) {
			return -1
		}
		if b.better(a) {
			return 1
		}
		return 0
	})
	return h
}
