package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkforge/internal/apperr"
)

func writeArtifact(t *testing.T, path, content string, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestHarvest_FindsApkAndAabSortedNewestFirst(t *testing.T) {
	project := t.TempDir()
	older := filepath.Join(project, "app", "build", "outputs", "apk", "release", "app-release.apk")
	newer := filepath.Join(project, "app", "build", "outputs", "bundle", "release", "app-release.aab")

	base := time.Now()
	writeArtifact(t, older, "apk-bytes", base.Add(-time.Hour))
	writeArtifact(t, newer, "aab-bytes", base)

	descriptors, err := Harvest(project)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "app-release.aab", descriptors[0].Filename)
	assert.Equal(t, "app-release.apk", descriptors[1].Filename)

	sum := sha256.Sum256([]byte("aab-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), descriptors[0].ContentHash)
}

func TestHarvest_IgnoresEmptyFilesAndOtherExtensions(t *testing.T) {
	project := t.TempDir()
	writeArtifact(t, filepath.Join(project, "app", "build", "outputs", "apk", "empty.apk"), "", time.Now())
	writeArtifact(t, filepath.Join(project, "app", "build", "outputs", "apk", "notes.txt"), "ignored", time.Now())

	_, err := Harvest(project)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoArtifacts))
}

func TestHarvest_NoOutputsReturnsNoArtifacts(t *testing.T) {
	project := t.TempDir()
	_, err := Harvest(project)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoArtifacts))
}

func TestVariantOf_ExtractsKnownTokenFromPath(t *testing.T) {
	assert.Equal(t, "release", VariantOf("/proj/app/build/outputs/apk/release/app-release.apk"))
	assert.Equal(t, "debug", VariantOf("/proj/app/build/outputs/apk/debug/app-debug.apk"))
	assert.Equal(t, "unknown", VariantOf("/proj/app/build/outputs/apk/app.apk"))
}
