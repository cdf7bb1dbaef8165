package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

func TestCountKeysWindow(t *testing.T) {
	dir := t.TempDir()
	keys := writeCorpus(t, dir, 9, 4)

	kc, err := CountKeys(context.Background(), Open(dir), 3)
	require.NoError(t, err)
	assert.Equal(t, 9, kc.Count)
	assert.Equal(t, keys[6:], kc.Window)
	assert.True(t, kc.Contains(keys[7]))
	assert.False(t, kc.Contains(keys[2]))

	_, err = CountKeys(context.Background(), Open(dir), 0)
	assert.Error(t, err)
}

func TestCountKeysIgnoresStoredLength(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, 5, 2)
	require.NoError(t, SetLength(dir, 42))

	kc, err := CountKeys(context.Background(), Open(dir), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, kc.Count)

	n, ok, err := StoredLength(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestCountKeysShortCorpus(t *testing.T) {
	dir := t.TempDir()
	keys := writeCorpus(t, dir, 2, 5)

	kc, err := CountKeys(context.Background(), Open(dir), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, kc.Count)
	assert.Equal(t, keys, kc.Window)
}

func TestPlanTruncateDoesNotModify(t *testing.T) {
	dir := t.TempDir()
	keys := writeCorpus(t, dir, 10, 3)

	plan, err := PlanTruncate(dir, keys[4])
	require.NoError(t, err)
	assert.Equal(t, "archive-1", plan.Archive)
	assert.Equal(t, []string{"archive-2", "archive-3"}, plan.Remove)
	assert.Less(t, plan.Offset, plan.Size)

	kc, err := CountKeys(context.Background(), Open(dir), 1)
	require.NoError(t, err)
	assert.Equal(t, 10, kc.Count)
}

func TestTruncateAfter(t *testing.T) {
	dir := t.TempDir()
	keys := writeCorpus(t, dir, 10, 3)

	backups, err := TruncateAfter(dir, keys[4])
	require.NoError(t, err)
	assert.Equal(t, []string{
		archivePath(dir, "archive-1") + BackupSuffix,
		archivePath(dir, "archive-2") + BackupSuffix,
		archivePath(dir, "archive-3") + BackupSuffix,
	}, backups)
	for _, b := range backups {
		assert.FileExists(t, b)
	}
	assert.NoFileExists(t, archivePath(dir, "archive-2"))
	assert.NoFileExists(t, archivePath(dir, "archive-3"))
	backup := backups[0]

	kc, err := CountKeys(context.Background(), Open(dir), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, kc.Count)
	assert.Equal(t, keys[3:5], kc.Window)

	// the backup still holds the full archive
	full, err := os.ReadFile(backup)
	require.NoError(t, err)
	cut, err := os.ReadFile(archivePath(dir, "archive-1"))
	require.NoError(t, err)
	assert.Greater(t, len(full), len(cut))

	// truncated corpus can be appended to again
	w, err := NewWriter(dir, WriterOptions{Append: true})
	require.NoError(t, err)
	require.NoError(t, w.Add("archive-1", "doc-5", types.TextDocument("text 5")))
	require.NoError(t, w.Close())
	n, err := Open(dir).Len()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestTruncateTwiceKeepsBothBackups(t *testing.T) {
	dir := t.TempDir()
	keys := writeCorpus(t, dir, 6, 6)

	firsts, err := TruncateAfter(dir, keys[4])
	require.NoError(t, err)
	seconds, err := TruncateAfter(dir, keys[2])
	require.NoError(t, err)
	first, second := firsts[0], seconds[0]
	assert.NotEqual(t, first, second)
	assert.FileExists(t, first)
	assert.FileExists(t, second)

	matches, err := filepath.Glob(archivePath(dir, "archive-0") + BackupSuffix + "*")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestTruncateAfterMissingKey(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, 4, 2)

	_, err := TruncateAfter(dir, types.DocKey{Archive: "archive-1", Doc: "missing"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = TruncateAfter(dir, types.DocKey{Archive: "nope", Doc: "doc-0"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSetLengthKeepsOtherKeys(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, 4, 2)

	require.NoError(t, SetLength(dir, 3))
	md, found, err := LoadMetadata(dir)
	require.NoError(t, err)
	require.True(t, found)
	n, _ := md.Int(MetaLength)
	assert.Equal(t, 3, n)
	size, _ := md.Int(MetaArchiveSize)
	assert.Equal(t, 2, size)
}
