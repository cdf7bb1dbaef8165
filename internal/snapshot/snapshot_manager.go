package snapshot

// ============================================================================
// 職責說明：
// 1. 將模組狀態與語料 metadata 序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止中途被殺時檔案損壞
// 3. 檔案不存在時回報「無資料」，由呼叫端決定預設值
// 4. 修復工具改寫前保留帶時間戳的備份
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("metadata file is corrupted")
)

// backupTimeFormat 備份檔名後綴
const backupTimeFormat = "20060102_150405.000000000"

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 管理單一 JSON metadata 檔案
type Manager struct {
	path string     // 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入
//
// 流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(v)
}

func (m *Manager) writeLocked(v interface{}) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp metadata: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// Load 載入到 v
//
// 返回值：
//   - bool: 檔案是否存在；不存在時 v 保持不變
//   - error: 讀取或解析失敗
func (m *Manager) Load(v interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read metadata: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorruptedSnapshot, m.path, err)
	}
	return true, nil
}

// Exists 檢查檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// Remove 刪除檔案（不存在視為成功）
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove metadata: %w", err)
	}
	return nil
}

// WriteWithBackup 先複製現有檔案為帶時間戳的備份，再原子寫入
//
// 只保留最近 keepBackups 個備份；keepBackups <= 0 表示全部保留。
// 返回備份檔路徑（沒有舊檔時為空字串）。
func (m *Manager) WriteWithBackup(v interface{}, keepBackups int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backupPath := ""
	if old, err := os.ReadFile(m.path); err == nil {
		backupPath = fmt.Sprintf("%s.%s", m.path, time.Now().Format(backupTimeFormat))
		if err := os.WriteFile(backupPath, old, 0644); err != nil {
			return "", fmt.Errorf("failed to backup old metadata: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read old metadata: %w", err)
	}

	if err := m.writeLocked(v); err != nil {
		return backupPath, err
	}

	if keepBackups > 0 {
		if err := m.pruneBackupsLocked(keepBackups); err != nil {
			return backupPath, err
		}
	}
	return backupPath, nil
}

// Backups 列出現有備份，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		backups = append(backups, p)
	}
	// 時間戳後綴固定寬度，字典序即時間序
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
