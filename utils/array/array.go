package array

import (
	"cmp"
	"sort"
)

// Map applies mapper to every element and returns the results in order.
func Map[T1, T2 any](array []T1, mapper func(T1) T2) []T2 {
	result := make([]T2, len(array))
	for i, elem := range array {
		result[i] = mapper(elem)
	}
	return result
}

func Contains[T comparable](array []T, target T) bool {
	for _, elem := range array {
		if elem == target {
			return true
		}
	}
	return false
}

// SortedKeys returns the keys of m in ascending order. A nil or empty map
// yields an empty, non-nil slice.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return cmp.Less(keys[i], keys[j]) })
	return keys
}
