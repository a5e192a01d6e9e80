package module

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistory_BoundedFIFO(t *testing.T) {
	h := NewHistory[int](3)
	for i := 0; i < 5; i++ {
		h.Append(i)
	}
	require.Equal(t, 3, h.Len())
	require.Equal(t, []int{2, 3, 4}, h.Entries())
}

func TestHistory_Clone(t *testing.T) {
	h := NewHistory[int](3)
	h.Append(1)
	h.Append(2)

	clone := h.Clone()
	h.Append(3)
	h.Append(4)

	require.Equal(t, []int{1, 2}, clone.Entries())
	require.Equal(t, []int{2, 3, 4}, h.Entries())
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory[int](0)
	for i := 0; i < 12; i++ {
		h.Append(i)
	}
	require.Equal(t, 10, h.Len())
}
