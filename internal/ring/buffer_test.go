package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushWithinCapacity(t *testing.T) {
	b := New(5)
	b.Push("a")
	b.Push("b")
	b.Push("c")

	assert.Equal(t, []string{"a", "b", "c"}, b.All())
	assert.Equal(t, 3, b.Len())
}

func TestPushOverflowDropsOldest(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Push(fmt.Sprintf("line-%d", i))
	}

	require.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"line-2", "line-3", "line-4"}, b.All())
}

func TestLastN(t *testing.T) {
	b := New(10)
	for i := 0; i < 4; i++ {
		b.Push(fmt.Sprintf("%d", i))
	}

	assert.Equal(t, []string{"2", "3"}, b.LastN(2))
	assert.Equal(t, []string{"0", "1", "2", "3"}, b.LastN(100), "requesting more than present returns all")
	assert.Equal(t, []string{}, b.LastN(0))
}

func TestClear(t *testing.T) {
	b := New(4)
	b.Push("x")
	b.Push("y")
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.All())

	b.Push("z")
	assert.Equal(t, []string{"z"}, b.All())
}

func TestDefaultCapacity(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.Capacity())
}
