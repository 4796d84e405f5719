package vault

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sharedcode/logvault/cache"
)

// Environment is the coordinator: it owns the single commit lock, the meta
// lock, the structure-id counter, the live-transaction set, the deferred
// task queue, and the inoperative/closed state machine. Every other type in
// this package is reachable only through an Environment.
type Environment struct {
	log   Log
	trees TreeFactory
	gc    GarbageCollector

	configReg *configRegistry

	commitMu sync.Mutex

	metaMu sync.RWMutex
	meta   *MetaTree

	ids      *structureIDAllocator
	txns     *transactionSet
	deferred *deferredTaskQueue

	stateMu           sync.Mutex
	closed            bool
	inoperative       bool
	throwableOnCommit error

	cacheMu        sync.Mutex
	storeGetCache  *cache.StoreGetCache
	treeNodesCache *cache.TreeNodesCache

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// Open loads the MetaTree from the log's current high address, applies an
// exodus.properties sidecar at the log's location if present, builds the
// caches, subscribes to configuration changes, and resumes the garbage
// collector. The returned Environment is immediately usable.
func Open(l Log, trees TreeFactory, gc GarbageCollector, cfg Configuration) (*Environment, error) {
	meta, maxID, err := loadMetaTree(trees, l.HighAddress())
	if err != nil {
		return nil, err
	}

	loaded := cfg
	sidecarErr := Retry(context.Background(), func(ctx context.Context) error {
		var rerr error
		loaded, rerr = applySidecar(cfg, l.Location())
		if rerr != nil && ShouldRetry(rerr) {
			return retry.RetryableError(rerr)
		}
		return rerr
	}, nil)
	if sidecarErr != nil {
		return nil, sidecarErr
	}
	cfg = loaded

	env := &Environment{
		log:      l,
		trees:    trees,
		gc:       gc,
		meta:     meta,
		ids:      newStructureIDAllocator(maxID),
		txns:     newTransactionSet(),
		deferred: newDeferredTaskQueue(),
	}
	env.configReg = newConfigRegistry(cfg)
	env.configReg.subscribe(env.onConfigChanged)
	env.rebuildCaches(cfg)

	l.Config().SetSyncPeriod(cfg.LogSyncPeriod)
	l.Config().SetDurableWrite(cfg.LogDurableWrite)

	env.gc.Resume()

	if cfg.TransactionTimeout > 0 {
		env.startStuckTransactionMonitor(cfg.TransactionTimeout)
	}

	return env, nil
}

// GetConfiguration returns the current configuration snapshot.
func (e *Environment) GetConfiguration() Configuration {
	return e.configReg.get()
}

// SetConfiguration replaces the configuration and synchronously notifies
// subscribers (cache rebuild, log tunables, GC suspend/resume). Listeners
// must never acquire the commit lock.
func (e *Environment) SetConfiguration(cfg Configuration) {
	e.configReg.set(cfg)
}

// onConfigChanged is the environment's own subscriber, wired once at Open.
func (e *Environment) onConfigChanged(old, updated Configuration) {
	if old.StoreGetCacheSize != updated.StoreGetCacheSize ||
		old.TreeNodesCacheSize != updated.TreeNodesCacheSize ||
		old.CachingDisabled != updated.CachingDisabled {
		e.rebuildCaches(updated)
	}
	if old.LogSyncPeriod != updated.LogSyncPeriod {
		e.log.Config().SetSyncPeriod(updated.LogSyncPeriod)
	}
	if old.LogDurableWrite != updated.LogDurableWrite {
		e.log.Config().SetDurableWrite(updated.LogDurableWrite)
	}
	if old.Readonly != updated.Readonly {
		if updated.Readonly {
			e.gc.Suspend()
		} else {
			e.gc.Resume()
		}
	}
}

func (e *Environment) rebuildCaches(cfg Configuration) {
	storeGetSize := cfg.StoreGetCacheSize
	treeNodesSize := cfg.TreeNodesCacheSize
	if cfg.CachingDisabled {
		storeGetSize, treeNodesSize = 0, 0
	}
	e.cacheMu.Lock()
	e.storeGetCache = cache.NewStoreGetCache(storeGetSize)
	e.treeNodesCache = cache.NewTreeNodesCache(treeNodesSize)
	e.cacheMu.Unlock()
}

func (e *Environment) storeGetCacheGet(structureID int64, key []byte) ([]byte, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.storeGetCache.Get(structureID, key)
}

func (e *Environment) storeGetCachePut(structureID int64, key, value []byte) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.storeGetCache.Put(structureID, key, value)
}

// loadTree consults the tree-nodes cache before falling back to the tree
// factory, keyed by the root address being loaded.
func (e *Environment) loadTree(root uint64) (Tree, error) {
	e.cacheMu.Lock()
	if cached, ok := e.treeNodesCache.Get(root); ok {
		e.cacheMu.Unlock()
		return cached.(Tree), nil
	}
	e.cacheMu.Unlock()

	tree, err := e.trees.Load(root)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.treeNodesCache.Put(root, tree)
	e.cacheMu.Unlock()
	return tree, nil
}

// StoreCacheHitRate reports the store-get-cache's lifetime hit rate.
func (e *Environment) StoreCacheHitRate() float64 {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.storeGetCache.HitRate()
}

// LogCacheHitRate reports the underlying log's own read-cache hit rate.
func (e *Environment) LogCacheHitRate() float64 {
	return e.log.CacheHitRate()
}

// LogLocation reports the filesystem path backing the log.
func (e *Environment) LogLocation() string {
	return e.log.Location()
}

// LogCreated reports the log's creation timestamp.
func (e *Environment) LogCreated() time.Time {
	return e.log.Created()
}

func (e *Environment) checkOperative() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return newError(Closed, nil, nil)
	}
	if e.inoperative {
		return newError(Inoperative, nil, e.throwableOnCommit)
	}
	return nil
}

func (e *Environment) setInoperative(cause error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.inoperative {
		e.inoperative = true
		e.throwableOnCommit = cause
	}
}

// BeginTransaction begins a write transaction pinned to the current
// MetaTree snapshot. If the environment is readonly it transparently
// returns a ReadTxn instead. If beginHook is non-nil, it runs while holding
// the meta-lock, observing the same snapshot the transaction captures.
func (e *Environment) BeginTransaction(beginHook func(*MetaTree) error) (Txn, error) {
	if err := e.checkOperative(); err != nil {
		return nil, err
	}
	cfg := e.GetConfiguration()

	e.metaMu.RLock()
	meta := e.meta
	var hookErr error
	if beginHook != nil {
		hookErr = beginHook(meta)
	}
	e.metaMu.RUnlock()
	if hookErr != nil {
		return nil, hookErr
	}

	base := newBaseTxn(e, ForWriting, meta)
	if cfg.Readonly {
		base.mode = ForReading
		rt := &ReadTxn{baseTxn: base}
		e.txns.add(base)
		return rt, nil
	}
	wt := newWriteTxn(base)
	e.txns.add(base)
	return wt, nil
}

// BeginWriteTransaction is BeginTransaction's typed convenience wrapper for
// the common case of no beginHook.
func (e *Environment) BeginWriteTransaction() (*WriteTxn, error) {
	t, err := e.BeginTransaction(nil)
	if err != nil {
		return nil, err
	}
	if wt, ok := t.(*WriteTxn); ok {
		return wt, nil
	}
	return nil, newError(ReadonlyViolation, nil, nil)
}

// BeginReadonlyTransaction begins a reader pinned to the current MetaTree
// snapshot. It never takes the commit lock; Flush on it always succeeds.
func (e *Environment) BeginReadonlyTransaction(beginHook func(*MetaTree) error) (*ReadTxn, error) {
	if err := e.checkOperative(); err != nil {
		return nil, err
	}
	e.metaMu.RLock()
	meta := e.meta
	var hookErr error
	if beginHook != nil {
		hookErr = beginHook(meta)
	}
	e.metaMu.RUnlock()
	if hookErr != nil {
		return nil, hookErr
	}
	base := newBaseTxn(e, ForReading, meta)
	rt := &ReadTxn{baseTxn: base}
	e.txns.add(base)
	return rt, nil
}

// ExecuteInTransaction runs fn against a fresh write transaction, retrying
// on conflict (flush returning false) until it commits. abort() always
// runs, on every exit path.
func (e *Environment) ExecuteInTransaction(ctx context.Context, fn func(*WriteTxn) error) error {
	_, err := e.ComputeInTransaction(ctx, func(t *WriteTxn) (any, error) {
		return nil, fn(t)
	})
	return err
}

// ComputeInTransaction is ExecuteInTransaction's value-returning sibling.
func (e *Environment) ComputeInTransaction(ctx context.Context, fn func(*WriteTxn) (any, error)) (any, error) {
	t, err := e.BeginWriteTransaction()
	if err != nil {
		return nil, err
	}
	defer t.Abort()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, ferr := fn(t)
		if ferr != nil {
			return nil, ferr
		}
		ok, ferr := t.Flush(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if ok {
			e.finishTransaction(t.baseTxn)
			return result, nil
		}
		t.Revert()
		// Jitter before retrying so two transactions that just conflicted
		// don't immediately collide again.
		RandomSleep(ctx)
	}
}

// ExecuteInReadonlyTransaction runs fn once, against a single readonly
// transaction; there is nothing to retry.
func (e *Environment) ExecuteInReadonlyTransaction(fn func(*ReadTxn) error) error {
	_, err := e.ComputeInReadonlyTransaction(func(t *ReadTxn) (any, error) {
		return nil, fn(t)
	})
	return err
}

// ComputeInReadonlyTransaction is ExecuteInReadonlyTransaction's
// value-returning sibling.
func (e *Environment) ComputeInReadonlyTransaction(fn func(*ReadTxn) (any, error)) (any, error) {
	t, err := e.BeginReadonlyTransaction(nil)
	if err != nil {
		return nil, err
	}
	defer t.Abort()
	return fn(t)
}

// openStoreForRead resolves name against t's snapshot only; it never
// creates a store, and on a readonly environment with ReadonlyEmptyStores
// set it returns a throwaway empty store rather than failing.
func (e *Environment) openStoreForRead(t *ReadTxn, name string) (*Store, error) {
	info, ok := t.meta.get(name)
	if !ok {
		if cfg := e.GetConfiguration(); cfg.Readonly && cfg.ReadonlyEmptyStores {
			return &Store{name: name, env: e}, nil
		}
		return nil, newError(NotFound, name, nil)
	}
	tree, err := e.loadTree(info.Root)
	if err != nil {
		return nil, newError(IO, name, err)
	}
	return &Store{name: name, info: info, snap: tree, env: e}, nil
}

// openStore resolves name against t's own pending new-store map first, then
// the MetaTree; it allocates a fresh structure id and records the new store
// when creation is required and the name is absent, and checks the
// requested shape against the recorded one when the store already exists.
func (e *Environment) openStore(t *WriteTxn, name string, cfg StoreConfig, creationRequired bool) (*Store, error) {
	if info, ok := t.newStores[name]; ok {
		t.storeNames[info.StructureID] = name
		return &Store{name: name, info: info, txn: t}, nil
	}

	info, ok := t.edit.get(name)
	if !ok {
		if !creationRequired {
			return nil, newError(NotFound, name, nil)
		}
		info = TreeMetaInfo{
			StructureID: e.ids.next(),
			Duplicates:  cfg.Duplicates,
			Prefixing:   cfg.Prefixing,
			Description: cfg.Description,
		}
		t.newStores[name] = info
		t.edit.put(name, info)
		t.storeNames[info.StructureID] = name
		return &Store{name: name, info: info, txn: t}, nil
	}

	if info.Duplicates != cfg.Duplicates {
		return nil, newError(ConfigMismatch, name, nil)
	}
	if info.Prefixing && !cfg.Prefixing {
		return nil, newError(ConfigMismatch, name, nil)
	}
	// A request for prefixing on a store recorded without it falls back
	// silently: prefixing was never physically realized by a store opened
	// before this environment enabled it, so info keeps Prefixing false.

	tree, err := e.trees.Load(info.Root)
	if err != nil {
		return nil, newError(IO, name, err)
	}
	t.storeNames[info.StructureID] = name
	return &Store{name: name, info: info, txn: t, snap: tree}, nil
}

// truncateStore logically removes name and re-creates it empty under a
// freshly allocated structure id; the old structure becomes reclaimable
// once no transaction can still observe it.
func (e *Environment) truncateStore(t *WriteTxn, name string) error {
	info, ok := t.edit.get(name)
	if !ok {
		if info, ok = t.newStores[name]; !ok {
			return newError(NotFound, name, nil)
		}
	}
	fresh := info.cloneWithNewStructureID(e.ids.next())
	t.edit.put(name, fresh)
	delete(t.mutables, info.StructureID)
	if _, isNew := t.newStores[name]; isNew {
		t.newStores[name] = fresh
	}
	e.cacheMu.Lock()
	e.storeGetCache.InvalidateStructure(info.StructureID)
	e.cacheMu.Unlock()
	return nil
}

// removeStore marks name for deletion on commit.
func (e *Environment) removeStore(t *WriteTxn, name string) error {
	if !t.StoreExists(name) {
		return newError(NotFound, name, nil)
	}
	delete(t.newStores, name)
	t.edit.remove(name)
	return nil
}

// ExecuteTransactionSafeTask runs task inline if no transaction is
// currently live, otherwise defers it until every transaction alive right
// now has finished.
func (e *Environment) ExecuteTransactionSafeTask(task func()) {
	newest := e.txns.newest()
	if newest == nil {
		task()
		return
	}
	e.deferred.enqueue(task, newest.snapshotRoot())
}

// flushTransaction implements the write-path commit algorithm: fast-path
// idempotent skip, commit-lock, snapshot check, doCommit, meta-lock swap,
// and the rollback-or-inoperative escalation on failure.
func (e *Environment) flushTransaction(ctx context.Context, t *WriteTxn) (bool, error) {
	if t.mode == ForReading {
		return true, nil
	}
	if t.isIdempotent() {
		return true, nil
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.GetConfiguration().Readonly {
		return false, newError(ReadonlyViolation, nil, nil)
	}
	if err := e.checkOperative(); err != nil {
		return false, err
	}

	e.metaMu.RLock()
	current := e.meta
	e.metaMu.RUnlock()
	if t.snapshotRoot() != current.root {
		return false, nil
	}

	highAddress0 := e.log.HighAddress()

	newMeta, expired, err := e.doCommit(t)
	if err != nil {
		e.rollback(highAddress0, err)
		return false, err
	}

	e.metaMu.Lock()
	priorMeta := e.meta
	e.meta = newMeta
	t.meta = newMeta
	var hookErr error
	if t.onCommit != nil {
		hookErr = t.onCommit(ctx)
	}
	if hookErr != nil {
		e.meta = priorMeta
		t.meta = priorMeta
	}
	e.metaMu.Unlock()
	if hookErr != nil {
		e.rollback(highAddress0, hookErr)
		return false, hookErr
	}

	e.cacheMu.Lock()
	for sid := range t.mutables {
		e.storeGetCache.InvalidateStructure(sid)
	}
	e.cacheMu.Unlock()

	e.gc.Feed(expired)
	return true, nil
}

// doCommit serializes every pending mutable tree, writes the updated
// MetaTree record, and collects the expired loggables the saves produced.
//
// A store opened via the existing-store branch of openStore never appears
// in t.edit.upserts until it is actually mutated here: resolving it by name
// (via t.storeNames) and upserting its freshly-saved root is what makes the
// write visible to materialize below, rather than being silently discarded.
func (e *Environment) doCommit(t *WriteTxn) (*MetaTree, []Loggable, error) {
	var expired []Loggable
	for sid, mut := range t.mutables {
		newRoot, exp, err := mut.Save()
		if err != nil {
			return nil, nil, newError(IO, sid, err)
		}
		expired = append(expired, exp...)

		name, ok := t.storeNames[sid]
		if !ok {
			return nil, nil, newError(IO, sid, errors.New("mutated store has no recorded name"))
		}
		info, ok := t.edit.get(name)
		if !ok {
			return nil, nil, newError(IO, name, errors.New("mutated store is missing from the meta tree"))
		}
		info.Root = newRoot
		t.edit.put(name, info)
	}

	newMeta, metaExpired, err := t.edit.materialize(e.trees)
	if err != nil {
		return nil, nil, err
	}
	expired = append(expired, metaExpired...)
	return newMeta, expired, nil
}

// rollback undoes a failed commit's log writes, escalating the environment
// to permanently Inoperative if the rollback itself fails.
func (e *Environment) rollback(highAddress0 uint64, cause error) {
	defer func() {
		if r := recover(); r != nil {
			e.setInoperative(cause)
			log.Error("high address rollback panicked; environment is now inoperative", "panic", r)
		}
	}()
	e.log.SetHighAddress(highAddress0)
	if e.log.HighAddress() != highAddress0 {
		e.setInoperative(cause)
	}
}

// finishTransaction removes t from the live set and drains whatever
// deferred tasks are now safe to run. It is the "finish" half of the
// flush-vs-finish separation: a successful flush with a failed finish does
// not occur because finish cannot itself fail.
func (e *Environment) finishTransaction(t *baseTxn) {
	e.txns.remove(t)
	t.markDone()
	e.deferred.drain(e.txns.oldestRoot())
}

// revertTransaction discards t's pending edits and re-captures the current
// MetaTree snapshot, keeping the transaction's identity alive in the live
// set (re-sequenced to the back) for a retry.
func (e *Environment) revertTransaction(t *WriteTxn) {
	e.metaMu.RLock()
	meta := e.meta
	e.metaMu.RUnlock()

	t.meta = meta
	t.edit = newMetaTreeEdit(meta)
	t.mutables = make(map[int64]MutableTree)
	t.newStores = make(map[string]TreeMetaInfo)
	t.storeNames = make(map[int64]string)
	e.txns.add(t.baseTxn)
}

// abortTransaction discards all pending work and ends t, wherever it is in
// its lifecycle. Calling it twice is safe and a no-op the second time.
func (e *Environment) abortTransaction(t *baseTxn) {
	if t.markDone() {
		return
	}
	e.txns.remove(t)
	e.deferred.drain(e.txns.oldestRoot())
}

// Clear suspends GC, requires the live set be empty, clears the log,
// rebuilds an empty MetaTree, resets the structure-id counter, and resumes
// GC. It fails with StillActive if any transaction is live.
func (e *Environment) Clear() error {
	e.gc.Suspend()
	defer e.gc.Resume()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	if e.txns.size() > 0 {
		return newError(StillActive, nil, nil)
	}
	if err := e.log.Clear(); err != nil {
		return newError(IO, nil, err)
	}
	e.deferred.drainAll()

	meta, maxID, err := loadMetaTree(e.trees, 0)
	if err != nil {
		return err
	}
	e.meta = meta
	e.ids = newStructureIDAllocator(maxID)

	e.cacheMu.Lock()
	e.treeNodesCache.Purge()
	e.storeGetCache.Purge()
	e.cacheMu.Unlock()

	return nil
}

// Close finishes GC outside the commit lock (so GC threads that themselves
// take the commit lock cannot deadlock against it), then under the commit
// lock verifies no live transactions unless forced, persists GC
// utilization, closes the log, and marks the environment closed and
// inoperative.
func (e *Environment) Close(forced bool) error {
	if err := e.gc.Close(); err != nil {
		log.Warn("garbage collector close reported an error", "error", err)
	}
	e.stopStuckTransactionMonitor()

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return newError(Closed, nil, nil)
	}
	e.stateMu.Unlock()

	if !forced && e.txns.size() > 0 {
		return newError(StillActive, nil, nil)
	}

	_ = e.gc.FetchExpiredLoggables()

	if err := e.log.Close(); err != nil {
		return newError(IO, nil, err)
	}

	e.deferred.drainAll()

	e.stateMu.Lock()
	e.closed = true
	e.inoperative = true
	e.stateMu.Unlock()
	return nil
}

// PreloadStores warms the decoded-tree cache for names by loading each
// store's current root concurrently, bounded by the configured entity
// iterable cache thread count. Call it once after Open when the caller
// already knows which stores are about to be hot.
func (e *Environment) PreloadStores(ctx context.Context, names []string) error {
	cfg := e.GetConfiguration()
	threadCount := cfg.EntityIterableCacheThreadCount
	if threadCount < 1 {
		threadCount = 1
	}

	rt, err := e.BeginReadonlyTransaction(nil)
	if err != nil {
		return err
	}
	defer rt.Abort()

	runner := NewTaskRunner(ctx, threadCount)
	for _, name := range names {
		info, ok := rt.meta.get(name)
		if !ok {
			continue
		}
		root := info.Root
		runner.Go(func() error {
			tree, err := e.trees.Load(root)
			if err != nil {
				return newError(IO, name, err)
			}
			e.cacheMu.Lock()
			e.treeNodesCache.Put(root, tree)
			e.cacheMu.Unlock()
			return nil
		})
	}
	return runner.Wait()
}

// GC triggers an immediate garbage-collection pass.
func (e *Environment) GC() { e.gc.Wake() }

// SuspendGC pauses background reclamation.
func (e *Environment) SuspendGC() { e.gc.Suspend() }

// ResumeGC restarts background reclamation.
func (e *Environment) ResumeGC() { e.gc.Resume() }

// GetDiskUsage reports the log's current high address as a proxy for bytes
// used; the physical log is the only component that knows its true
// on-disk footprint.
func (e *Environment) GetDiskUsage() uint64 {
	return e.log.HighAddress()
}

// txnView is satisfied by both *ReadTxn and *WriteTxn, letting
// GetAllStoreNames/StoreExists accept either.
type txnView interface {
	GetAllStoreNames() []string
	StoreExists(name string) bool
}

// GetAllStoreNames lists every store name visible to t.
func (e *Environment) GetAllStoreNames(t txnView) []string {
	return t.GetAllStoreNames()
}

// StoreExists reports whether name is visible to t.
func (e *Environment) StoreExists(t txnView, name string) bool {
	return t.StoreExists(name)
}

func (e *Environment) startStuckTransactionMonitor(timeout time.Duration) {
	e.monitorStop = make(chan struct{})
	e.monitorDone = make(chan struct{})
	go func() {
		defer close(e.monitorDone)
		ticker := time.NewTicker(timeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-e.monitorStop:
				return
			case <-ticker.C:
				now := Now()
				for _, t := range e.txns.snapshot() {
					if now.Sub(t.CreatedAt()) > timeout {
						log.Warn("transaction has exceeded the configured timeout",
							"transaction", t.GetID().String(), "age", now.Sub(t.CreatedAt()))
					}
				}
			}
		}
	}()
}

func (e *Environment) stopStuckTransactionMonitor() {
	if e.monitorStop == nil {
		return
	}
	close(e.monitorStop)
	<-e.monitorDone
}
