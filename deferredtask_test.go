package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeferredTaskQueueDrain(t *testing.T) {
	q := newDeferredTaskQueue()
	var ran []int

	q.enqueue(func() { ran = append(ran, 1) }, 5)
	q.enqueue(func() { ran = append(ran, 2) }, 10)

	// Nothing is safe to run while the oldest live root is still at or
	// below either stamp.
	q.drain(5)
	assert.Empty(t, ran)

	// Root advanced past the first stamp only.
	q.drain(6)
	assert.Equal(t, []int{1}, ran, "expected only task 1 to have run")
	assert.Equal(t, 1, q.len())

	// No live transactions at all: "+infinity" drains everything left.
	q.drain(^uint64(0))
	assert.Equal(t, []int{1, 2}, ran, "expected task 2 to have run second")
	assert.Equal(t, 0, q.len())
}

func TestDeferredTaskQueueDrainAll(t *testing.T) {
	q := newDeferredTaskQueue()
	count := 0
	q.enqueue(func() { count++ }, 1000)
	q.enqueue(func() { count++ }, 2000)
	q.drainAll()
	assert.Equal(t, 2, count, "drainAll should have run both tasks")
	assert.Equal(t, 0, q.len(), "queue should be empty after drainAll")
}
