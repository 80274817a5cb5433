package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	b := New[int](3)

	assert.False(t, b.Push(1))
	assert.False(t, b.Push(2))
	assert.False(t, b.Push(3))
	assert.Equal(t, 3, b.Len())

	assert.True(t, b.Push(4))
	assert.Equal(t, []int{2, 3, 4}, b.Items())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestFromSliceKeepsNewestEntries(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		items    []string
		want     []string
	}{
		{"under capacity", 5, []string{"a", "b"}, []string{"a", "b"}},
		{"at capacity", 2, []string{"a", "b"}, []string{"a", "b"}},
		{"over capacity keeps newest", 2, []string{"a", "b", "c", "d"}, []string{"c", "d"}},
		{"empty", 3, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := FromSlice(tt.capacity, tt.items)
			assert.Equal(t, tt.want, b.Items())
		})
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	b := New[int](2)
	require.False(t, b.Push(1))

	items := b.Items()
	items[0] = 99

	assert.Equal(t, []int{1}, b.Items())
}

func TestMinimumCapacityIsOne(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{2}, b.Items())
}
