package vault

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sidecarFileName is the properties file the environment looks for next to
// the log, overlaying whatever it finds onto the in-memory defaults.
const sidecarFileName = "exodus.properties"

// Configuration holds every tunable the coordinator recognizes. Defaults
// that depend on process characteristics (core count, heap size) are
// resolved once, at NewConfiguration's call site, never at package init.
type Configuration struct {
	MaxInPlaceBlobSize int
	CachingDisabled     bool
	ReorderingDisabled  bool
	ExplainOn           bool

	UniqueIndicesUseBtree bool

	EntityIterableCacheSize               int
	EntityIterableCacheThreadCount        int
	EntityIterableCacheCachingTimeout     time.Duration
	EntityIterableCacheDeferredDelay      time.Duration
	EntityIterableCacheMaxSizeDirectValue int

	TransactionPropsCacheSize        int
	TransactionLinksCacheSize        int
	TransactionBlobStringsCacheSize  int

	ManagementEnabled bool
	Refactoring       map[string]bool

	// Readonly puts the environment in read-only mode: beginTransaction
	// always returns a ReadTxn.
	Readonly bool
	// ReadonlyEmptyStores makes openStore on a readonly environment return
	// a throwaway empty store instead of failing when the name is absent.
	ReadonlyEmptyStores bool
	// TransactionTimeout, when positive, enables the stuck-transaction
	// monitor.
	TransactionTimeout time.Duration

	LogSyncPeriod   time.Duration
	LogDurableWrite bool

	// StoreGetCacheSize caps the sharded store-value cache; zero disables it.
	StoreGetCacheSize int
	// TreeNodesCacheSize caps the decoded-node cache; zero disables it.
	TreeNodesCacheSize int
}

// NewConfiguration returns the recognized defaults, resolving
// process-dependent values (core count, heap ceiling) at this call, not at
// program startup.
func NewConfiguration() Configuration {
	cores := runtime.NumCPU()
	threadCount := 1
	if cores > 3 {
		threadCount = 2
	}
	heapMB := approxHeapMB()
	cacheSize := heapMB
	if cacheSize < 4096 {
		cacheSize = 4096
	}
	return Configuration{
		MaxInPlaceBlobSize: 10000,

		EntityIterableCacheSize:               cacheSize,
		EntityIterableCacheThreadCount:        threadCount,
		EntityIterableCacheCachingTimeout:      10000 * time.Millisecond,
		EntityIterableCacheDeferredDelay:       2000 * time.Millisecond,
		EntityIterableCacheMaxSizeDirectValue:  512,

		TransactionPropsCacheSize:       1024,
		TransactionLinksCacheSize:       4096,
		TransactionBlobStringsCacheSize: 128,

		ManagementEnabled: true,
		Refactoring:       make(map[string]bool),

		StoreGetCacheSize:  10000,
		TreeNodesCacheSize: 4096,
	}
}

func approxHeapMB() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	mb := int(stats.Sys / (1024 * 1024))
	if mb <= 0 {
		return 4096
	}
	return mb
}

// applySidecar overlays key=value lines found in location/exodus.properties
// onto cfg, ignoring a missing file entirely (the File strategy degrades to
// Ignore when there is nothing to read).
func applySidecar(cfg Configuration, location string) (Configuration, error) {
	path := filepath.Join(location, sidecarFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, newError(IO, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		applySidecarKey(&cfg, key, val)
	}
	if err := scanner.Err(); err != nil {
		return cfg, newError(IO, path, err)
	}
	return cfg, nil
}

func applySidecarKey(cfg *Configuration, key, val string) {
	switch key {
	case "maxInPlaceBlobSize":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxInPlaceBlobSize = n
		}
	case "cachingDisabled":
		cfg.CachingDisabled = val == "true"
	case "reorderingDisabled":
		cfg.ReorderingDisabled = val == "true"
	case "explainOn":
		cfg.ExplainOn = val == "true"
	case "uniqueIndices.useBtree":
		cfg.UniqueIndicesUseBtree = val == "true"
	case "entityIterableCache.size":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.EntityIterableCacheSize = n
		}
	case "entityIterableCache.threadCount":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.EntityIterableCacheThreadCount = n
		}
	case "entityIterableCache.cachingTimeout":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.EntityIterableCacheCachingTimeout = time.Duration(n) * time.Millisecond
		}
	case "entityIterableCache.deferredDelay":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.EntityIterableCacheDeferredDelay = time.Duration(n) * time.Millisecond
		}
	case "entityIterableCache.maxSizeOfDirectValue":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.EntityIterableCacheMaxSizeDirectValue = n
		}
	case "transaction.propsCacheSize":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TransactionPropsCacheSize = n
		}
	case "transaction.linksCacheSize":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TransactionLinksCacheSize = n
		}
	case "transaction.blobStringsCacheSize":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TransactionBlobStringsCacheSize = n
		}
	case "managementEnabled":
		cfg.ManagementEnabled = val == "true"
	case "readonly":
		cfg.Readonly = val == "true"
	case "readonlyEmptyStores":
		cfg.ReadonlyEmptyStores = val == "true"
	case "transaction.timeout":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TransactionTimeout = time.Duration(n) * time.Millisecond
		}
	case "log.syncPeriod":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.LogSyncPeriod = time.Duration(n) * time.Millisecond
		}
	case "log.durableWrite":
		cfg.LogDurableWrite = val == "true"
	case "storeGetCache.size":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.StoreGetCacheSize = n
		}
	case "treeNodesCache.size":
		if n, err := strconv.Atoi(val); err == nil {
			cfg.TreeNodesCacheSize = n
		}
	default:
		if strings.HasPrefix(key, "refactoring.") {
			cfg.Refactoring[strings.TrimPrefix(key, "refactoring.")] = val == "true"
		}
	}
}

// ConfigChangeFunc is invoked synchronously, on the writer's own goroutine,
// whenever SetConfiguration applies a new value; it must never attempt to
// acquire the commit lock.
type ConfigChangeFunc func(old, updated Configuration)

// configRegistry dispatches configuration changes to subscribers and holds
// the current value behind a lock so readers (GetConfiguration) never race
// an in-flight SetConfiguration.
type configRegistry struct {
	mu        sync.Mutex
	current   Configuration
	listeners []ConfigChangeFunc
}

func newConfigRegistry(initial Configuration) *configRegistry {
	return &configRegistry{current: initial}
}

func (r *configRegistry) get() Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *configRegistry) subscribe(fn ConfigChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *configRegistry) set(updated Configuration) {
	r.mu.Lock()
	old := r.current
	r.current = updated
	listeners := make([]ConfigChangeFunc, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(old, updated)
	}
}
