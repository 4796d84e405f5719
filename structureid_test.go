package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructureIDAllocatorLowByteNeverZero(t *testing.T) {
	a := newStructureIDAllocator(metaTreeStructureID)
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := a.next()
		assert.NotZero(t, id&0xff, "allocated id %d has a zero low byte", id)
		assert.NotEqual(t, int64(metaTreeStructureID), id, "allocator handed out the reserved MetaTree id")
		assert.False(t, seen[id], "allocator repeated id %d", id)
		seen[id] = true
	}
}

func TestStructureIDAllocatorSeedFloor(t *testing.T) {
	a := newStructureIDAllocator(0)
	id := a.next()
	assert.Greater(t, id, int64(metaTreeStructureID), "allocator seeded below the MetaTree floor")
}
