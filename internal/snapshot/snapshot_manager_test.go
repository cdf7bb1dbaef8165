package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證原子性寫入、載入、備份與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func TestNewManager(t *testing.T) {
	manager := NewManager("metadata.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "metadata.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metadata.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(testDoc{Status: "STARTED", Count: 3}))

	var loaded testDoc
	found, err := manager.Load(&loaded)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testDoc{Status: "STARTED", Count: 3}, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded := testDoc{Status: "default"}
	found, err := manager.Load(&loaded)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "default", loaded.Status, "value must be untouched when file is missing")
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var loaded testDoc
	_, err := NewManager(path).Load(&loaded)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestAtomicWrite 寫入後不應留下 .tmp 檔案
func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	manager := NewManager(path)

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Write(testDoc{Count: i}))
	}

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	var loaded testDoc
	_, err = manager.Load(&loaded)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Count)
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	manager := NewManager(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(testDoc{Count: n}))
		}(i)
	}
	wg.Wait()

	var loaded testDoc
	found, err := manager.Load(&loaded)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	manager := NewManager(path)

	backup, err := manager.WriteWithBackup(testDoc{Count: 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, backup, "first write has nothing to back up")

	backup, err = manager.WriteWithBackup(testDoc{Count: 2}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, backup)

	old := NewManager(backup)
	var loaded testDoc
	_, err = old.Load(&loaded)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Count)
}

func TestWriteWithBackupPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	manager := NewManager(path)

	for i := 0; i < 6; i++ {
		_, err := manager.WriteWithBackup(testDoc{Count: i}, 2)
		require.NoError(t, err)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(testDoc{}))
	assert.True(t, manager.Exists())

	require.NoError(t, manager.Remove())
	assert.False(t, manager.Exists())
	assert.NoError(t, manager.Remove(), "removing a missing file is not an error")
}
