package vault_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	vault "github.com/sharedcode/logvault"
	"github.com/sharedcode/logvault/vaulttest"
)

func newTestEnv(t *testing.T) (*vault.Environment, *vaulttest.MemLog, *vaulttest.MemTreeFactory, *vaulttest.MemGC) {
	t.Helper()
	l := vaulttest.NewMemLog(t.TempDir())
	trees := vaulttest.NewMemTreeFactory(l)
	gc := vaulttest.NewMemGC()
	env, err := vault.Open(l, trees, gc, vault.NewConfiguration())
	require.NoError(t, err)
	t.Cleanup(func() { env.Close(true) })
	return env, l, trees, gc
}

// S1: a basic write commits and is visible to a subsequent reader.
func TestScenarioBasicCommit(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	store, err := wt.OpenStore("widgets", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, wt.Commit(ctx))

	rt, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)
	defer rt.Abort()
	rstore, err := rt.OpenStore("widgets")
	require.NoError(t, err)
	v, ok := rstore.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

// S2: a transaction whose snapshot has gone stale loses Flush and must
// Revert and retry before it can commit.
func TestScenarioConflictAndRetry(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt1, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	wt2, err := env.BeginWriteTransaction()
	require.NoError(t, err)

	s1, err := wt1.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, s1.Put([]byte("a"), []byte("1")))
	require.NoError(t, wt1.Commit(ctx))

	s2, err := wt2.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, s2.Put([]byte("b"), []byte("2")))
	ok, err := wt2.Flush(ctx)
	require.NoError(t, err)
	require.False(t, ok, "wt2 Flush should have conflicted against wt1's commit")

	wt2.Revert()
	s2, err = wt2.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, s2.Put([]byte("b"), []byte("2")))
	require.NoError(t, wt2.Commit(ctx))

	rt, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)
	defer rt.Abort()
	rstore, err := rt.OpenStore("s")
	require.NoError(t, err)
	v, ok := rstore.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))
	v, ok = rstore.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

// S3: truncating a store discards its prior content while the store keeps
// its name; a handle opened after the truncate sees only the new writes.
func TestScenarioTruncateStore(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	store, err := wt.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("old"), []byte("1")))
	require.NoError(t, wt.Commit(ctx))

	wt2, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	require.NoError(t, wt2.TruncateStore("s"))
	store2, err := wt2.OpenStore("s", vault.StoreConfig{}, false)
	require.NoError(t, err)
	require.NoError(t, store2.Put([]byte("new"), []byte("2")))
	require.NoError(t, wt2.Commit(ctx))

	rt, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)
	defer rt.Abort()
	rstore, err := rt.OpenStore("s")
	require.NoError(t, err)
	_, ok := rstore.Get([]byte("old"))
	require.False(t, ok, "old content should not survive a truncate")
	v, ok := rstore.Get([]byte("new"))
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

// S4: a transaction-safe task enqueued while readers are live does not run
// until every reader alive at enqueue time has finished: finishing the
// oldest reader is not enough while the newer reader (the one it was
// actually stamped against) is still live.
func TestScenarioDeferredTaskOrdering(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	rt1, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	store, err := wt.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("a"), []byte("1")))
	require.NoError(t, wt.Commit(ctx))

	rt2, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)

	ran := false
	env.ExecuteTransactionSafeTask(func() { ran = true })
	require.False(t, ran, "task ran while both rt1 and rt2 were still live")

	rt1.Abort()
	require.False(t, ran, "task ran while rt2 (the transaction it was stamped against) was still live")

	rt2.Abort()
	require.True(t, ran, "task should have run once no transaction was left live")
}

// S5: a commit failure whose rollback the log itself cannot honor leaves the
// environment permanently Inoperative, reporting the original commit
// failure rather than the rollback failure.
func TestScenarioInoperativeAfterFailedRollback(t *testing.T) {
	env, l, trees, _ := newTestEnv(t)
	ctx := context.Background()

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	_, err = wt.OpenStore("s", vault.StoreConfig{}, true)
	require.NoError(t, err)

	trees.FailNextSave()
	l.FailRollback = true

	ok, err := wt.Flush(ctx)
	require.False(t, ok)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "injected save failure"),
		"Flush error should wrap the injected save failure, got %v", err)

	_, err2 := env.BeginWriteTransaction()
	require.Error(t, err2, "BeginWriteTransaction should fail once the environment is inoperative")
	require.True(t, vault.IsCode(err2, vault.Inoperative))
	require.True(t, strings.Contains(err2.Error(), "injected save failure"),
		"Inoperative error should still carry the original commit failure, got %v", err2)
}

// S6: re-opening a store with a different Duplicates shape than it was
// created with is rejected, and it touches neither the log nor the store's
// actual content.
func TestScenarioConfigMismatch(t *testing.T) {
	env, l, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	_, err = wt.OpenStore("s", vault.StoreConfig{Duplicates: false}, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit(ctx))

	highBefore := l.HighAddress()

	wt2, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	defer wt2.Abort()
	_, err = wt2.OpenStore("s", vault.StoreConfig{Duplicates: true}, true)
	require.Error(t, err, "OpenStore with a different Duplicates shape should fail")
	require.True(t, vault.IsCode(err, vault.ConfigMismatch))
	require.Equal(t, highBefore, l.HighAddress(), "a rejected OpenStore should not have touched the log")
}

// S7: when a registered OnCommit hook fails, the MetaTree swap it observed
// must be unwound along with the log rollback — a subsequent transaction
// must not see the rejected commit's stores, and the environment must stay
// operative since the log rollback itself succeeded.
func TestScenarioFailedOnCommitHookRevertsMeta(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt0, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	base, err := wt0.OpenStore("base", vault.StoreConfig{}, true)
	require.NoError(t, err)
	require.NoError(t, base.Put([]byte("k"), []byte("v")))
	require.NoError(t, wt0.Commit(ctx))

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	_, err = wt.OpenStore("rejected", vault.StoreConfig{}, true)
	require.NoError(t, err)

	hookErr := errors.New("hook refused the commit")
	wt.OnCommit(func(ctx context.Context) error { return hookErr })

	err = wt.Commit(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, hookErr), "Commit error should wrap the OnCommit hook's failure")

	rt, err := env.BeginReadonlyTransaction(nil)
	require.NoError(t, err)
	defer rt.Abort()

	_, err = rt.OpenStore("rejected")
	require.Error(t, err, "the rejected commit's store must not be visible after the hook failed")

	baseStore, err := rt.OpenStore("base")
	require.NoError(t, err)
	v, ok := baseStore.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	_, err2 := env.BeginWriteTransaction()
	require.NoError(t, err2, "environment should remain operative after a hook failure whose log rollback succeeded")
}

// PreloadStores warms the tree-node cache for a known set of stores
// concurrently; it must tolerate unknown names and return once every load
// has finished.
func TestPreloadStores(t *testing.T) {
	env, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	wt, err := env.BeginWriteTransaction()
	require.NoError(t, err)
	for _, name := range []string{"s1", "s2", "s3"} {
		store, err := wt.OpenStore(name, vault.StoreConfig{}, true)
		require.NoError(t, err)
		require.NoError(t, store.Put([]byte("k"), []byte("v")))
	}
	require.NoError(t, wt.Commit(ctx))

	require.NoError(t, env.PreloadStores(ctx, []string{"s1", "s2", "s3", "does-not-exist"}))
}
