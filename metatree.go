package vault

import (
	"encoding/json"
	"sort"
)

// metaTreeStructureID is the reserved structure id of the MetaTree itself.
// Id 1 is never handed out by the structure-id allocator.
const metaTreeStructureID = 1

// TreeMetaInfo is the per-store record the MetaTree maps a store name to.
type TreeMetaInfo struct {
	// StructureID identifies the store's own B-tree. Its low byte is always
	// non-zero so id-encoded keys can never collide with a string store-name
	// key inside the MetaTree's own backing tree.
	StructureID int64 `json:"structure_id"`
	// Duplicates is true if the store allows duplicate keys.
	Duplicates bool `json:"duplicates"`
	// Prefixing is true if keys are stored with a shared-prefix encoding.
	// A request to open a store recorded without prefixing with prefixing
	// falls back to non-prefixing (see openStore) without that counting as
	// a ConfigMismatch.
	Prefixing bool `json:"prefixing"`
	// Root is the store's own tree root address at the time this MetaTree
	// snapshot was taken.
	Root uint64 `json:"root"`
	// Description is an optional human-readable note, carried for parity
	// with introspection tooling; it plays no role in commit semantics.
	Description string `json:"description,omitempty"`
}

// cloneWithNewStructureID returns a copy of info with a freshly allocated StructureID and a
// zeroed Root, used by truncateStore to create a new empty structure while
// discarding the old one (which becomes reclaimable).
func (info TreeMetaInfo) cloneWithNewStructureID(id int64) TreeMetaInfo {
	info.StructureID = id
	info.Root = 0
	return info
}

// MetaTree is an immutable snapshot of the store-name -> TreeMetaInfo map.
// A new value is produced by every successful commit and published under
// the environment's meta-lock; once published it is never mutated, so
// readers can hold a reference to it for their entire lifetime.
type MetaTree struct {
	root    uint64
	entries map[string]TreeMetaInfo
}

// loadMetaTree materializes the MetaTree from the log-resident B-tree rooted
// at addr (or a brand-new empty one if addr is zero), returning it together
// with the maximum StructureID observed, used to seed the environment's
// structure-id counter.
func loadMetaTree(trees TreeFactory, addr uint64) (*MetaTree, int64, error) {
	tree, err := trees.Load(addr)
	if err != nil {
		return nil, 0, newError(IO, nil, err)
	}
	entries := make(map[string]TreeMetaInfo, len(tree.Entries()))
	var maxID int64 = metaTreeStructureID
	for _, e := range tree.Entries() {
		var info TreeMetaInfo
		if err := json.Unmarshal(e.Value, &info); err != nil {
			return nil, 0, newError(IO, string(e.Key), err)
		}
		entries[string(e.Key)] = info
		if info.StructureID > maxID {
			maxID = info.StructureID
		}
	}
	return &MetaTree{root: tree.RootAddress(), entries: entries}, maxID, nil
}

// get returns the TreeMetaInfo for name, if the MetaTree knows about it.
func (m *MetaTree) get(name string) (TreeMetaInfo, bool) {
	info, ok := m.entries[name]
	return info, ok
}

// names returns every store name currently tracked, sorted for determinism.
func (m *MetaTree) names() []string {
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// metaTreeEdit accumulates upserts/removals pending in a write transaction.
// It never mutates a published MetaTree; it is materialized into a brand
// new one only at commit time.
type metaTreeEdit struct {
	base     *MetaTree
	upserts  map[string]TreeMetaInfo
	removals map[string]bool
}

func newMetaTreeEdit(base *MetaTree) *metaTreeEdit {
	return &metaTreeEdit{
		base:     base,
		upserts:  make(map[string]TreeMetaInfo),
		removals: make(map[string]bool),
	}
}

func (e *metaTreeEdit) get(name string) (TreeMetaInfo, bool) {
	if e.removals[name] {
		return TreeMetaInfo{}, false
	}
	if info, ok := e.upserts[name]; ok {
		return info, true
	}
	return e.base.get(name)
}

func (e *metaTreeEdit) put(name string, info TreeMetaInfo) {
	delete(e.removals, name)
	e.upserts[name] = info
}

func (e *metaTreeEdit) remove(name string) {
	delete(e.upserts, name)
	e.removals[name] = true
}

func (e *metaTreeEdit) isEmpty() bool {
	return len(e.upserts) == 0 && len(e.removals) == 0
}

// materialize applies the edit to the MetaTree's underlying B-tree via a
// fresh MutableTree, saves it, and returns the new immutable MetaTree plus
// the set of loggables the save made obsolete.
func (e *metaTreeEdit) materialize(trees TreeFactory) (*MetaTree, []Loggable, error) {
	if e.isEmpty() {
		return e.base, nil, nil
	}
	src, err := trees.Load(e.base.root)
	if err != nil {
		return nil, nil, newError(IO, nil, err)
	}
	mut := src.Mutable()
	for name, info := range e.upserts {
		data, merr := json.Marshal(info)
		if merr != nil {
			return nil, nil, newError(IO, name, merr)
		}
		mut.Put([]byte(name), data)
	}
	for name := range e.removals {
		mut.Delete([]byte(name))
	}
	newRoot, expired, err := mut.Save()
	if err != nil {
		return nil, nil, newError(IO, nil, err)
	}
	entries := make(map[string]TreeMetaInfo, len(e.base.entries))
	for k, v := range e.base.entries {
		entries[k] = v
	}
	for name, info := range e.upserts {
		entries[name] = info
	}
	for name := range e.removals {
		delete(entries, name)
	}
	return &MetaTree{root: newRoot, entries: entries}, expired, nil
}
