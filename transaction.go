package vault

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errConflict marks a Flush that lost the race against a concurrent commit;
// it is never returned to callers directly, only wrapped in an Error.
var errConflict = errors.New("meta tree changed since this transaction began")

// TransactionMode distinguishes a transaction's allowed operations.
type TransactionMode int

const (
	// ForReading transactions never mutate the MetaTree and their Flush
	// always succeeds without touching the log.
	ForReading TransactionMode = iota
	// ForWriting transactions may open/truncate/remove stores and mutate
	// store contents; they commit through the environment's commit lock.
	ForWriting
)

// Txn is the shape common to ReadTxn and WriteTxn, returned by
// Environment.BeginTransaction so a caller that does not care which mode
// the environment granted can still inspect and end it uniformly.
type Txn interface {
	GetID() UUID
	Mode() TransactionMode
	CreatedAt() time.Time
	GetAllStoreNames() []string
	StoreExists(name string) bool
	Flush(ctx context.Context) (bool, error)
	Abort()
}

// StoreConfig is the caller-specified shape of a store, checked against the
// MetaTree's recorded TreeMetaInfo when a store already exists.
type StoreConfig struct {
	Duplicates  bool
	Prefixing   bool
	Description string
}

// baseTxn holds the state common to read and write transactions: the owning
// environment, the MetaTree snapshot captured at begin, and the bookkeeping
// the environment needs to place this transaction in its live set.
type baseTxn struct {
	env     *Environment
	id      UUID
	mode    TransactionMode
	created time.Time
	meta    *MetaTree

	mu   sync.Mutex
	done bool
}

func newBaseTxn(env *Environment, mode TransactionMode, meta *MetaTree) *baseTxn {
	return &baseTxn{
		env:     env,
		id:      NewUUID(),
		mode:    mode,
		created: Now(),
		meta:    meta,
	}
}

// GetID returns the transaction's identity.
func (t *baseTxn) GetID() UUID { return t.id }

// Mode reports whether this is a read or write transaction.
func (t *baseTxn) Mode() TransactionMode { return t.mode }

// CreatedAt reports when the transaction was begun.
func (t *baseTxn) CreatedAt() time.Time { return t.created }

// snapshotRoot is the MetaTree root this transaction is pinned to; it
// changes only when Revert re-captures the current MetaTree or a successful
// flush installs the transaction's own new MetaTree.
func (t *baseTxn) snapshotRoot() uint64 { return t.meta.root }

func (t *baseTxn) markDone() (already bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	already = t.done
	t.done = true
	return already
}

func (t *baseTxn) isDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Store is a handle onto one named tree within a transaction. Reads always
// prefer any uncommitted write already made in this transaction; writes
// (ForWriting only) go through a lazily-loaded MutableTree kept in the
// owning WriteTxn until commit.
type Store struct {
	name string
	info TreeMetaInfo
	txn  *WriteTxn
	snap Tree
	env  *Environment
}

// Name returns the store's name.
func (s *Store) Name() string { return s.name }

// Get fetches the value for key, preferring any uncommitted write already
// made in this transaction, then the store-get cache, then the underlying
// snapshot.
func (s *Store) Get(key []byte) ([]byte, bool) {
	if s.txn != nil {
		if mut, ok := s.txn.mutables[s.info.StructureID]; ok {
			return mut.Get(key)
		}
	}
	if s.snap == nil {
		return nil, false
	}
	if s.env != nil {
		if v, ok := s.env.storeGetCacheGet(s.info.StructureID, key); ok {
			return v, true
		}
	}
	v, ok := s.snap.Get(key)
	if ok && s.env != nil {
		s.env.storeGetCachePut(s.info.StructureID, key, v)
	}
	return v, ok
}

// Entries enumerates the store's contents, preferring uncommitted writes.
func (s *Store) Entries() []TreeEntry {
	if s.txn != nil {
		if mut, ok := s.txn.mutables[s.info.StructureID]; ok {
			return mut.Entries()
		}
	}
	if s.snap == nil {
		return nil
	}
	return s.snap.Entries()
}

// mutable returns (lazily creating) the pending MutableTree for this store
// within its owning write transaction.
func (s *Store) mutable() (MutableTree, error) {
	if mut, ok := s.txn.mutables[s.info.StructureID]; ok {
		return mut, nil
	}
	tree, err := s.txn.env.trees.Load(s.info.Root)
	if err != nil {
		return nil, newError(IO, s.name, err)
	}
	mut := tree.Mutable()
	s.txn.mutables[s.info.StructureID] = mut
	return mut, nil
}

// Put inserts or overwrites the value for key. It fails with
// ReadonlyViolation outside a write transaction.
func (s *Store) Put(key, value []byte) error {
	if s.txn == nil {
		return newError(ReadonlyViolation, s.name, nil)
	}
	mut, err := s.mutable()
	if err != nil {
		return err
	}
	mut.Put(key, value)
	return nil
}

// Delete removes key, reporting whether it was present. It fails with
// ReadonlyViolation outside a write transaction.
func (s *Store) Delete(key []byte) (bool, error) {
	if s.txn == nil {
		return false, newError(ReadonlyViolation, s.name, nil)
	}
	mut, err := s.mutable()
	if err != nil {
		return false, err
	}
	return mut.Delete(key), nil
}

// ReadTxn is a snapshot-isolated, never-blocking reader. Its Flush always
// returns true and performs no log writes.
type ReadTxn struct {
	*baseTxn
}

// GetAllStoreNames lists every store name visible in this transaction's snapshot.
func (t *ReadTxn) GetAllStoreNames() []string {
	return t.meta.names()
}

// StoreExists reports whether name is present in this transaction's snapshot.
func (t *ReadTxn) StoreExists(name string) bool {
	_, ok := t.meta.get(name)
	return ok
}

// OpenStore opens an existing store for reading. It never creates one.
func (t *ReadTxn) OpenStore(name string) (*Store, error) {
	return t.env.openStoreForRead(t, name)
}

// Flush is a no-op for a readonly transaction: it never takes the commit
// lock and always succeeds.
func (t *ReadTxn) Flush(ctx context.Context) (bool, error) {
	return true, nil
}

// Abort ends the transaction, removing it from the live set.
func (t *ReadTxn) Abort() {
	t.env.abortTransaction(t.baseTxn)
}

// WriteTxn is a write transaction: a MetaTree snapshot plus pending
// mutations, accumulated locally and materialized atomically on commit.
type WriteTxn struct {
	*baseTxn

	edit *metaTreeEdit

	// pending mutable trees keyed by structureId.
	mutables map[int64]MutableTree

	// newly-created store infos recorded in this transaction, keyed by name,
	// consulted by openStore before the MetaTree itself.
	newStores map[string]TreeMetaInfo

	// storeNames maps every structureId this transaction has opened back to
	// its store name, so doCommit can resolve the name of a mutated
	// pre-existing store (which never goes through newStores) and upsert
	// its freshly-saved root into the MetaTree edit.
	storeNames map[int64]string

	onCommit func(ctx context.Context) error
}

func newWriteTxn(base *baseTxn) *WriteTxn {
	return &WriteTxn{
		baseTxn:    base,
		edit:       newMetaTreeEdit(base.meta),
		mutables:   make(map[int64]MutableTree),
		newStores:  make(map[string]TreeMetaInfo),
		storeNames: make(map[int64]string),
	}
}

// GetAllStoreNames lists every store name visible to this transaction,
// including ones it created itself but has not yet committed.
func (t *WriteTxn) GetAllStoreNames() []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range t.meta.names() {
		if t.edit.removals[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	for name := range t.newStores {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// StoreExists reports whether name is currently visible to this transaction.
func (t *WriteTxn) StoreExists(name string) bool {
	if _, ok := t.newStores[name]; ok {
		return true
	}
	_, ok := t.edit.get(name)
	return ok
}

// OpenStore opens (optionally creating) a store within this transaction.
func (t *WriteTxn) OpenStore(name string, cfg StoreConfig, creationRequired bool) (*Store, error) {
	return t.env.openStore(t, name, cfg, creationRequired)
}

// TruncateStore logically removes name and re-creates it empty under a
// freshly allocated structure id.
func (t *WriteTxn) TruncateStore(name string) error {
	return t.env.truncateStore(t, name)
}

// RemoveStore marks name for deletion on commit.
func (t *WriteTxn) RemoveStore(name string) error {
	return t.env.removeStore(t, name)
}

// OnCommit registers a hook invoked under the meta-lock immediately after
// this transaction's MetaTree swap succeeds, before the commit lock is
// released.
func (t *WriteTxn) OnCommit(hook func(ctx context.Context) error) {
	t.onCommit = hook
}

// isIdempotent reports whether this transaction has no pending mutation of
// any kind: no structural edit (open/truncate/remove) and no store content
// touched. The environment uses this to skip the commit lock entirely.
func (t *WriteTxn) isIdempotent() bool {
	return t.edit.isEmpty() && len(t.newStores) == 0 && len(t.mutables) == 0
}

// Flush attempts to commit this transaction's pending work. It returns
// false (not an error) on a MetaTree conflict; the caller must Revert and
// retry.
func (t *WriteTxn) Flush(ctx context.Context) (bool, error) {
	return t.env.flushTransaction(ctx, t)
}

// Commit flushes and, on success, finishes the transaction (removes it from
// the live set and triggers the deferred-task drain). It does not retry on
// conflict; use ExecuteInTransaction for the retry loop.
func (t *WriteTxn) Commit(ctx context.Context) error {
	ok, err := t.Flush(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return newError(Unknown, t.id.String(), errConflict)
	}
	t.env.finishTransaction(t.baseTxn)
	return nil
}

// Revert discards all pending mutations and re-captures the current
// MetaTree snapshot, keeping the transaction alive under the same identity
// so a conflicting write transaction can retry.
func (t *WriteTxn) Revert() {
	t.env.revertTransaction(t)
}

// Abort discards all pending work and ends the transaction.
func (t *WriteTxn) Abort() {
	t.env.abortTransaction(t.baseTxn)
}
