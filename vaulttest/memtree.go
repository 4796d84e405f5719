package vaulttest

import (
	"errors"
	"sort"
	"sync"

	"github.com/sharedcode/logvault"
)

// MemTreeFactory backs vault.TreeFactory with plain Go maps, persisting each
// saved version as a new entry in the owning MemLog's address space.
type MemTreeFactory struct {
	log *MemLog

	mu           sync.Mutex
	failNextSave bool
}

// NewMemTreeFactory returns a factory that persists through l.
func NewMemTreeFactory(l *MemLog) *MemTreeFactory {
	return &MemTreeFactory{log: l}
}

// FailNextSave arms a one-shot failure: the next MutableTree.Save call made
// through this factory returns an error instead of succeeding.
func (f *MemTreeFactory) FailNextSave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNextSave = true
}

func (f *MemTreeFactory) consumeFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSave {
		f.failNextSave = false
		return true
	}
	return false
}

// Load materializes the Tree rooted at addr, or a brand-new empty one when
// addr is zero.
func (f *MemTreeFactory) Load(addr uint64) (vault.Tree, error) {
	if addr == 0 {
		return &memTree{factory: f, root: 0, data: map[string][]byte{}}, nil
	}
	snap, ok := f.log.lookup(addr)
	if !ok {
		return nil, errors.New("vaulttest: no snapshot at that address")
	}
	data := make(map[string][]byte, len(snap))
	for k, v := range snap {
		data[k] = v
	}
	return &memTree{factory: f, root: addr, data: data}, nil
}

// Empty returns a brand-new, unsaved MutableTree.
func (f *MemTreeFactory) Empty() vault.MutableTree {
	return &memTree{factory: f, root: 0, data: map[string][]byte{}}
}

// memTree is both vault.Tree and vault.MutableTree: a plain map plus the
// address it was last saved under (0 if never saved).
type memTree struct {
	factory *MemTreeFactory
	root    uint64
	data    map[string][]byte
}

func (t *memTree) RootAddress() uint64 { return t.root }

func (t *memTree) Get(key []byte) ([]byte, bool) {
	v, ok := t.data[string(key)]
	return v, ok
}

func (t *memTree) Entries() []vault.TreeEntry {
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]vault.TreeEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, vault.TreeEntry{Key: []byte(k), Value: t.data[k]})
	}
	return entries
}

// Mutable returns a private, writable copy of this snapshot.
func (t *memTree) Mutable() vault.MutableTree {
	data := make(map[string][]byte, len(t.data))
	for k, v := range t.data {
		data[k] = v
	}
	return &memTree{factory: t.factory, root: t.root, data: data}
}

func (t *memTree) Put(key, value []byte) {
	t.data[string(key)] = value
}

func (t *memTree) Delete(key []byte) bool {
	_, ok := t.data[string(key)]
	delete(t.data, string(key))
	return ok
}

// Save persists this tree's current content as a new version, returning the
// prior version (if any) as expired; the expired Loggable's Size is the
// saved tree's entry count, not a byte count.A failure armed via FailNextSave is
// reported only after the address has already advanced, modeling a write
// that physically landed but whose completion acknowledgment was lost; that
// is what gives a rollback something to undo.
func (t *memTree) Save() (uint64, []vault.Loggable, error) {
	snap := make(map[string][]byte, len(t.data))
	for k, v := range t.data {
		snap[k] = v
	}
	newRoot := t.factory.log.nextAddress(snap)

	if t.factory.consumeFailure() {
		return 0, nil, errors.New("vaulttest: injected save failure")
	}

	var expired []vault.Loggable
	if t.root != 0 {
		expired = append(expired, vault.Loggable{Address: t.root, Size: len(t.data)})
	}
	t.root = newRoot
	return newRoot, expired, nil
}
