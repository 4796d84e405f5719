package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBaseTxn(root uint64) *baseTxn {
	return &baseTxn{meta: &MetaTree{root: root}}
}

func TestTransactionSetOldestNewest(t *testing.T) {
	s := newTransactionSet()
	assert.Nil(t, s.oldest(), "expected empty set to have no oldest")
	assert.Nil(t, s.newest(), "expected empty set to have no newest")
	assert.Equal(t, ^uint64(0), s.oldestRoot(), "oldestRoot on empty set should be max uint64")
	assert.Equal(t, uint64(0), s.newestRoot(), "newestRoot on empty set should be 0")

	t1 := newTestBaseTxn(10)
	t2 := newTestBaseTxn(20)
	t3 := newTestBaseTxn(30)
	s.add(t1)
	s.add(t2)
	s.add(t3)

	assert.Equal(t, 3, s.size())
	assert.Equal(t, t1, s.oldest(), "oldest should be t1")
	assert.Equal(t, t3, s.newest(), "newest should be t3")
	assert.Equal(t, uint64(10), s.oldestRoot())
	assert.Equal(t, uint64(30), s.newestRoot())

	s.remove(t1)
	assert.Equal(t, t2, s.oldest(), "oldest should be t2 after removing t1")
	assert.False(t, s.contains(t1), "t1 should no longer be contained")
}

func TestTransactionSetReinsertionReSequences(t *testing.T) {
	s := newTransactionSet()
	t1 := newTestBaseTxn(10)
	t2 := newTestBaseTxn(20)
	s.add(t1)
	s.add(t2)

	assert.Equal(t, t1, s.oldest(), "oldest should be t1 before re-insertion")

	// Simulate revert-then-rebegin under the same identity: re-adding t1
	// must move it to the back, not duplicate it.
	s.add(t1)
	assert.Equal(t, 2, s.size(), "size after re-insertion should be 2 (no duplicate)")
	assert.Equal(t, t1, s.newest(), "t1 should now be newest after re-insertion")
	assert.Equal(t, t2, s.oldest(), "t2 should now be oldest after t1's re-insertion")
}
