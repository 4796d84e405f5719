package vault

import "time"

// Loggable describes a single expired log record: a superseded version no
// longer reachable from the current MetaTree, eligible for reclamation by
// the garbage collector once no live transaction can still observe it.
type Loggable struct {
	// Address is the log offset of the expired record.
	Address uint64
	// Size is the record's on-disk footprint in bytes.
	Size int
}

// LogConfig exposes the subset of the physical log's tunables the environment
// forwards on configuration change.
type LogConfig interface {
	SetSyncPeriod(d time.Duration)
	SetDurableWrite(durable bool)
}

// Log is the narrow contract the environment coordinator consumes from the
// physical append-only log. Everything else about the log (record framing,
// segment files, fsync policy) is the log implementation's business; the
// coordinator only ever needs to read/rewind the write cursor and to clear
// or close the whole thing.
type Log interface {
	// HighAddress is the next free offset; it marks the end of the log.
	HighAddress() uint64
	// SetHighAddress rewinds (or, in principle, advances) the write cursor.
	// The coordinator uses this exclusively to undo a failed commit's writes.
	SetHighAddress(addr uint64)
	// Clear discards all log content, rewinding HighAddress to the start of
	// the log.
	Clear() error
	// Close releases the log's resources.
	Close() error
	// Location is the filesystem path (or equivalent) backing the log.
	Location() string
	// Created is the log's creation timestamp.
	Created() time.Time
	// CacheHitRate reports the log's internal read-cache hit rate, if any.
	CacheHitRate() float64
	// Config returns the log's mutable tunables.
	Config() LogConfig
}

// TreeEntry is one key/value pair of a loaded Tree, used by the coordinator
// only to rebuild the MetaTree's name -> TreeMetaInfo map and to seed the
// structure-id counter at startup.
type TreeEntry struct {
	Key   []byte
	Value []byte
}

// Tree is an immutable, already-materialized snapshot of a B-tree rooted at
// a given log address. The coordinator never mutates a Tree directly: every
// write goes through the MutableTree obtained from Mutable().
type Tree interface {
	// RootAddress is the log address this snapshot was loaded from (zero for
	// a brand-new, never-saved tree).
	RootAddress() uint64
	// Get fetches the value for key, if present.
	Get(key []byte) ([]byte, bool)
	// Entries enumerates the tree's contents in key order.
	Entries() []TreeEntry
	// Mutable returns a private, writable copy rooted at the same snapshot;
	// mutations on it never affect this Tree.
	Mutable() MutableTree
}

// MutableTree is a Tree opened for writing within a single transaction. It is
// never shared between transactions and is discarded (never Saved) on abort.
type MutableTree interface {
	Tree
	// Put inserts or overwrites the value for key.
	Put(key, value []byte)
	// Delete removes key, reporting whether it was present.
	Delete(key []byte) bool
	// Save serializes the tree to a new log record, returning its root
	// address and the set of records the save superseded (now reclaimable).
	Save() (newRoot uint64, expired []Loggable, err error)
}

// TreeFactory loads and creates Tree/MutableTree instances against a Log.
// It is the coordinator's only path to the B-tree implementation.
type TreeFactory interface {
	// Load materializes the Tree rooted at addr. addr == 0 means "not yet
	// persisted"; implementations should return an empty Tree in that case.
	Load(addr uint64) (Tree, error)
	// Empty returns a brand-new, unsaved MutableTree ready to accept writes.
	Empty() MutableTree
}

// GarbageCollector is the external collaborator that reclaims log space.
// The coordinator only ever suspends/resumes it (e.g. while running Clear),
// wakes it on demand, and feeds it the expired loggables produced by each
// successful commit; everything about how/when reclamation happens is the
// collector's own business.
type GarbageCollector interface {
	// Suspend pauses background reclamation until Resume is called.
	Suspend()
	// Resume restarts background reclamation.
	Resume()
	// Wake nudges the collector to run a pass immediately.
	Wake()
	// Feed hands the collector a batch of newly expired loggables, produced
	// by a commit that has already swapped in its new MetaTree.
	Feed(expired []Loggable)
	// FetchExpiredLoggables drains and returns the collector's current
	// backlog; used by Close to persist final utilization and by tests.
	FetchExpiredLoggables() []Loggable
	// Close stops the collector's background activity.
	Close() error
}
