// Package vaulttest provides in-memory stand-ins for the external
// collaborators the environment coordinator consumes (the log, the B-tree,
// the garbage collector), plus the fault-injection knobs needed to drive
// the coordinator's failure paths in tests.
package vaulttest

import (
	"sync"
	"time"

	"github.com/sharedcode/logvault"
)

// MemLogConfig is the mutable tunables Log.Config() exposes.
type MemLogConfig struct {
	mu           sync.Mutex
	SyncPeriod   time.Duration
	DurableWrite bool
}

func (c *MemLogConfig) SetSyncPeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SyncPeriod = d
}

func (c *MemLogConfig) SetDurableWrite(durable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DurableWrite = durable
}

// MemLog is an in-memory append-only log: addresses are just a monotonic
// counter, and the "record" at an address is whatever snapshot a
// MemTreeFactory chose to store there.
type MemLog struct {
	mu        sync.Mutex
	high      uint64
	location  string
	created   time.Time
	cfg       *MemLogConfig
	snapshots map[uint64]map[string][]byte

	// FailRollback makes SetHighAddress a no-op, simulating a log that
	// cannot honor a rollback request.
	FailRollback bool

	cacheHits   uint64
	cacheLookups uint64
}

// reservedAddress is where the log's write cursor starts: address 0 is the
// "brand-new / not-yet-persisted" sentinel Load and Tree.RootAddress use
// (contracts.go), so it is never handed out as a real record address.
const reservedAddress = 1

// NewMemLog returns an empty log "located" at location.
func NewMemLog(location string) *MemLog {
	return &MemLog{
		high:      reservedAddress,
		location:  location,
		created:   time.Now(),
		cfg:       &MemLogConfig{},
		snapshots: make(map[uint64]map[string][]byte),
	}
}

// HighAddress is the next free offset.
func (l *MemLog) HighAddress() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high
}

// SetHighAddress rewinds the write cursor, unless FailRollback is set.
func (l *MemLog) SetHighAddress(addr uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailRollback {
		return
	}
	l.high = addr
}

// Clear discards all log content.
func (l *MemLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.high = reservedAddress
	l.snapshots = make(map[uint64]map[string][]byte)
	return nil
}

// Close is a no-op for the in-memory log.
func (l *MemLog) Close() error { return nil }

// Location is the path this log was opened with.
func (l *MemLog) Location() string { return l.location }

// Created is this log's construction time.
func (l *MemLog) Created() time.Time { return l.created }

// CacheHitRate reports the fraction of lookups served from an address
// already present in snapshots (a stand-in for a real read cache).
func (l *MemLog) CacheHitRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cacheLookups == 0 {
		return 0
	}
	return float64(l.cacheHits) / float64(l.cacheLookups)
}

// Config returns the log's mutable tunables.
func (l *MemLog) Config() vault.LogConfig { return l.cfg }

// nextAddress allocates the next address and stores snap there.
func (l *MemLog) nextAddress(snap map[string][]byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := l.high
	l.high++
	l.snapshots[addr] = snap
	return addr
}

func (l *MemLog) lookup(addr uint64) (map[string][]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cacheLookups++
	snap, ok := l.snapshots[addr]
	if ok {
		l.cacheHits++
	}
	return snap, ok
}
