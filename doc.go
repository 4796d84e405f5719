// Package vault implements the coordinator of a transactional embedded
// storage engine: admission of readers and writers against a versioned
// meta-tree, commit serialization through a single log, structure-id
// allocation for the stores it tracks, and the deferred-task and cache
// machinery that keep snapshot isolation cheap.
//
// The package does not implement the log or the B-tree themselves; it
// consumes them through the narrow Log, Tree, MutableTree and TreeFactory
// contracts in contracts.go and orchestrates everything above that line.
package vault
