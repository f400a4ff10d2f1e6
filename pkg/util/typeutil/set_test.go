package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	set := NewSet("b", "a")
	assert.True(t, set.Contain("a", "b"))
	assert.False(t, set.Contain("a", "c"))
	assert.True(t, set.Contain())

	set.Insert("c", "a")
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"a", "b", "c"}, SortedCollect(set))

	set.Remove("b", "missing")
	assert.ElementsMatch(t, []string{"a", "c"}, set.Collect())
}

func TestTagSetClaim(t *testing.T) {
	used := NewTagSet(1, 2, 4)
	assert.Equal(t, 3, used.Claim(1))
	assert.Equal(t, 5, used.Claim(3))
	assert.Equal(t, 10, used.Claim(10))
	assert.Equal(t, 6, used.Claim(0))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 10}, SortedCollect(used.Set))
}
