// Package heap provides an indexed binary min-heap. Items are tracked by
// identity, so Remove and Update run in O(log n) and items whose priority
// changes in place can be re-sifted without a linear scan.
package heap

type MinHeap[T comparable] struct {
	items []T
	index map[T]int
	less  func(a, b T) bool
}

func NewMinHeap[T comparable](less func(a, b T) bool) *MinHeap[T] {
	return &MinHeap[T]{
		index: make(map[T]int),
		less:  less,
	}
}

func (h *MinHeap[T]) Len() int { return len(h.items) }

// Contains reports whether item is currently queued.
func (h *MinHeap[T]) Contains(item T) bool {
	_, ok := h.index[item]
	return ok
}

// Push queues item. Pushing an item that is already queued re-sifts it instead
// of adding a duplicate.
func (h *MinHeap[T]) Push(item T) {
	if _, ok := h.index[item]; ok {
		h.Update(item)
		return
	}
	h.items = append(h.items, item)
	h.index[item] = len(h.items) - 1
	h.up(len(h.items) - 1)
}

func (h *MinHeap[T]) Pop() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	top := h.items[0]
	h.removeAt(0)
	return top, true
}

func (h *MinHeap[T]) Peek() (T, bool) {
	var zero T
	if len(h.items) == 0 {
		return zero, false
	}
	return h.items[0], true
}

// Remove drops item from the heap. It returns false when item is not queued.
func (h *MinHeap[T]) Remove(item T) bool {
	i, ok := h.index[item]
	if !ok {
		return false
	}
	h.removeAt(i)
	return true
}

// Update restores heap order after item's priority changed in place.
func (h *MinHeap[T]) Update(item T) bool {
	i, ok := h.index[item]
	if !ok {
		return false
	}
	if !h.up(i) {
		h.down(i)
	}
	return true
}

func (h *MinHeap[T]) removeAt(i int) {
	last := len(h.items) - 1
	removed := h.items[i]
	if i != last {
		h.swap(i, last)
	}
	var zero T
	h.items[last] = zero
	h.items = h.items[:last]
	delete(h.index, removed)

	if i < len(h.items) && !h.up(i) {
		h.down(i)
	}
}

// up moves the item at i towards the root and reports whether it moved.
func (h *MinHeap[T]) up(i int) bool {
	start := i
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(h.items[i], h.items[p]) {
			break
		}
		h.swap(i, p)
		i = p
	}
	return i != start
}

func (h *MinHeap[T]) down(i int) {
	n := len(h.items)
	for {
		smallest := i
		if l := 2*i + 1; l < n && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < n && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *MinHeap[T]) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i]] = i
	h.index[h.items[j]] = j
}
