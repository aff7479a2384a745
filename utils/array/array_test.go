package array

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	t.Run("Converts every element", func(t *testing.T) {
		result := Map([]int{1, 2, 3}, strconv.Itoa)
		assert.Equal(t, []string{"1", "2", "3"}, result)
	})

	t.Run("Empty input yields empty output", func(t *testing.T) {
		result := Map([]int{}, strconv.Itoa)
		assert.NotNil(t, result)
		assert.Empty(t, result)
	})
}

func TestContains(t *testing.T) {
	operations := []string{"get", "set", "delete"}
	assert.True(t, Contains(operations, "set"))
	assert.False(t, Contains(operations, "clear"))
	assert.False(t, Contains(nil, "get"))
}

func TestSortedKeys(t *testing.T) {
	t.Run("Orders string keys", func(t *testing.T) {
		keys := SortedKeys(map[string]struct{}{"user:2": {}, "user:10": {}, "session": {}})
		assert.Equal(t, []string{"session", "user:10", "user:2"}, keys)
	})

	t.Run("Orders numeric keys", func(t *testing.T) {
		keys := SortedKeys(map[int]string{3: "c", 1: "a", 2: "b"})
		assert.Equal(t, []int{1, 2, 3}, keys)
	})

	t.Run("Nil map", func(t *testing.T) {
		var m map[string]int
		keys := SortedKeys(m)
		assert.NotNil(t, keys)
		assert.Empty(t, keys)
	})
}
