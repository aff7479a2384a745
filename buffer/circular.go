// Package buffer provides a fixed-capacity ring buffer.
//
// Circular keeps items in a preallocated slice addressed by head and tail indices modulo
// the capacity, so pushing never reallocates. When the buffer is full a push evicts the
// oldest item and hands it back to the caller. Resize is the only operation that
// allocates a new backing slice.
//
// Circular is not safe for concurrent use. Owners guard it with their own lock.
package buffer

import (
	"errors"
	"fmt"
)

var ErrInvalidCapacity = errors.New("buffer capacity must be positive")

type Circular[T any] struct {
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
}

func New[T any](capacity int) (*Circular[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Circular[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}, nil
}

// Push appends item as the newest element. If the buffer was full the oldest element is
// evicted and returned with ok set to true.
func (c *Circular[T]) Push(item T) (evicted T, ok bool) {
	if c.size == c.capacity {
		evicted = c.items[c.tail]
		ok = true
		c.tail = (c.tail + 1) % c.capacity
		c.size--
	}

	c.items[c.head] = item
	c.head = (c.head + 1) % c.capacity
	c.size++
	return evicted, ok
}

// Get returns the element at position i, where 0 is the oldest.
func (c *Circular[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= c.size {
		return zero, false
	}
	return c.items[(c.tail+i)%c.capacity], true
}

// Shift removes and returns the oldest element.
func (c *Circular[T]) Shift() (T, bool) {
	var zero T
	if c.size == 0 {
		return zero, false
	}
	item := c.items[c.tail]
	c.items[c.tail] = zero
	c.tail = (c.tail + 1) % c.capacity
	c.size--
	return item, true
}

// Pop removes and returns the newest element.
func (c *Circular[T]) Pop() (T, bool) {
	var zero T
	if c.size == 0 {
		return zero, false
	}
	c.head = (c.head - 1 + c.capacity) % c.capacity
	item := c.items[c.head]
	c.items[c.head] = zero
	c.size--
	return item, true
}

// Peek returns the oldest element without removing it.
func (c *Circular[T]) Peek() (T, bool) {
	return c.Get(0)
}

// PeekNewest returns the newest element without removing it.
func (c *Circular[T]) PeekNewest() (T, bool) {
	return c.Get(c.size - 1)
}

// ToSlice copies the contents oldest first.
func (c *Circular[T]) ToSlice() []T {
	result := make([]T, c.size)
	for i := 0; i < c.size; i++ {
		result[i] = c.items[(c.tail+i)%c.capacity]
	}
	return result
}

// Filter returns the elements matching keep, oldest first.
func (c *Circular[T]) Filter(keep func(T) bool) []T {
	var result []T
	for i := 0; i < c.size; i++ {
		item := c.items[(c.tail+i)%c.capacity]
		if keep(item) {
			result = append(result, item)
		}
	}
	return result
}

// Each calls fn for every element oldest first until fn returns false.
func (c *Circular[T]) Each(fn func(T) bool) {
	for i := 0; i < c.size; i++ {
		if !fn(c.items[(c.tail+i)%c.capacity]) {
			return
		}
	}
}

// Resize changes the capacity. The most recent min(Len, capacity) elements are kept and the
// discarded ones are returned oldest first.
func (c *Circular[T]) Resize(capacity int) ([]T, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if capacity == c.capacity {
		return nil, nil
	}

	var discarded []T
	for c.size > capacity {
		item, _ := c.Shift()
		discarded = append(discarded, item)
	}

	items := make([]T, capacity)
	for i := 0; i < c.size; i++ {
		items[i] = c.items[(c.tail+i)%c.capacity]
	}
	c.items = items
	c.capacity = capacity
	c.tail = 0
	c.head = c.size % capacity
	return discarded, nil
}

// Clear drops every element, keeping the capacity.
func (c *Circular[T]) Clear() {
	var zero T
	for i := range c.items {
		c.items[i] = zero
	}
	c.size = 0
	c.head = 0
	c.tail = 0
}

func (c *Circular[T]) Len() int {
	return c.size
}

func (c *Circular[T]) Capacity() int {
	return c.capacity
}

func (c *Circular[T]) IsFull() bool {
	return c.size == c.capacity
}

// Map projects the contents of c oldest first.
func Map[T, R any](c *Circular[T], fn func(T) R) []R {
	result := make([]R, 0, c.size)
	for i := 0; i < c.size; i++ {
		result = append(result, fn(c.items[(c.tail+i)%c.capacity]))
	}
	return result
}
