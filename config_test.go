package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigurationDefaults(t *testing.T) {
	cfg := NewConfiguration()
	assert.Equal(t, 10000, cfg.MaxInPlaceBlobSize)
	assert.GreaterOrEqual(t, cfg.EntityIterableCacheSize, 4096)
	assert.Equal(t, 1024, cfg.TransactionPropsCacheSize)
	assert.True(t, cfg.ManagementEnabled, "ManagementEnabled should default to true")
	assert.NotNil(t, cfg.Refactoring, "Refactoring map should be initialized")
}

func TestApplySidecarMissingFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	cfg, err := applySidecar(NewConfiguration(), dir)
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.MaxInPlaceBlobSize, "config should be unchanged when sidecar is absent")
}

func TestApplySidecarOverlay(t *testing.T) {
	dir := t.TempDir()
	contents := "maxInPlaceBlobSize=2048\n" +
		"cachingDisabled=true\n" +
		"# a comment\n" +
		"\n" +
		"refactoring.dropOldIndexes=true\n" +
		"readonly=true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, sidecarFileName), []byte(contents), 0o644))

	cfg, err := applySidecar(NewConfiguration(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.MaxInPlaceBlobSize)
	assert.True(t, cfg.CachingDisabled)
	assert.True(t, cfg.Refactoring["dropOldIndexes"])
	assert.True(t, cfg.Readonly)
}

func TestConfigRegistryNotifiesSubscribers(t *testing.T) {
	reg := newConfigRegistry(NewConfiguration())
	var gotOld, gotNew Configuration
	calls := 0
	reg.subscribe(func(old, updated Configuration) {
		calls++
		gotOld, gotNew = old, updated
	})

	updated := reg.get()
	updated.CachingDisabled = true
	reg.set(updated)

	require.Equal(t, 1, calls, "expected exactly one notification")
	assert.False(t, gotOld.CachingDisabled, "old config snapshot should still show CachingDisabled=false")
	assert.True(t, gotNew.CachingDisabled, "new config snapshot should show CachingDisabled=true")
	assert.True(t, reg.get().CachingDisabled, "registry should retain the updated configuration")
}
