package corpus

// ============================================================================
// 語料修復工具
// 職責：實體計數、截斷到指定文件、修正儲存長度
// 使用者：recover / fixlength
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// BackupSuffix is appended to an archive file before it is truncated.
const BackupSuffix = ".backup"

// KeyCount is the physical key count of a corpus plus its last keys.
type KeyCount struct {
	Count int
	// Window holds the last keys seen, oldest first.
	Window []types.DocKey
}

// Contains reports whether key is in the window.
func (k KeyCount) Contains(key types.DocKey) bool {
	for _, w := range k.Window {
		if w == key {
			return true
		}
	}
	return false
}

// CountKeys streams every key of r, keeping the last window keys.
func CountKeys(ctx context.Context, r Reader, window int) (KeyCount, error) {
	if window < 1 {
		return KeyCount{}, fmt.Errorf("key window must be at least 1, got %d", window)
	}
	it, err := r.ListKeys(ctx)
	if err != nil {
		return KeyCount{}, err
	}
	defer it.Stop()

	last := circularbuffer.New(window)
	count := 0
	for {
		key, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		}
		if err != nil {
			return KeyCount{}, err
		}
		count++
		last.Enqueue(key)
	}

	kc := KeyCount{Count: count, Window: make([]types.DocKey, 0, last.Size())}
	for _, v := range last.Values() {
		kc.Window = append(kc.Window, v.(types.DocKey))
	}
	return kc, nil
}

// TruncatePlan describes how TruncateAfter will cut a corpus.
type TruncatePlan struct {
	Dir string
	// Archive holds the key; it is cut at Offset bytes.
	Archive string
	Offset  int64
	// Size is the archive file size before the cut.
	Size int64
	// Remove lists the trailing archives deleted whole.
	Remove []string
	// keep is the archive list after the cut.
	keep []string
}

// PlanTruncate works out what TruncateAfter would do without changing
// anything.
func PlanTruncate(dir string, key types.DocKey) (*TruncatePlan, error) {
	archives, err := readIndex(dir)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, a := range archives {
		if a == key.Archive {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: archive of %s not in %s", ErrKeyNotFound, key, dir)
	}

	path := archivePath(dir, key.Archive)
	offset := int64(-1)
	_, _, err = scanLines(path, func(line []byte, lineNo int, end int64) error {
		doc, err := decodeKey(line)
		if err != nil {
			return &CorruptionError{Archive: key.Archive, Line: lineNo, Cause: err}
		}
		if doc == key.Doc {
			offset = end
			return errStopScan
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrKeyNotFound, key, dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &TruncatePlan{
		Dir:     dir,
		Archive: key.Archive,
		Offset:  offset,
		Size:    info.Size(),
		Remove:  append([]string(nil), archives[idx+1:]...),
		keep:    append([]string(nil), archives[:idx+1]...),
	}, nil
}

// Apply carries out the plan. Nothing is lost: the archive being cut is
// copied to a backup first and whole archives are moved to one instead of
// deleted. The backup paths are returned, the cut archive's first.
func (p *TruncatePlan) Apply() ([]string, error) {
	path := archivePath(p.Dir, p.Archive)

	backup, err := backupFile(path)
	if err != nil {
		return nil, err
	}
	backups := []string{backup}

	if err := writeIndex(p.Dir, p.keep); err != nil {
		return backups, err
	}
	for _, a := range p.Remove {
		src := archivePath(p.Dir, a)
		dst := backupName(src)
		if err := os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return backups, fmt.Errorf("failed to move archive %s to backup: %w", a, err)
		}
		backups = append(backups, dst)
	}
	if err := os.Truncate(path, p.Offset); err != nil {
		return backups, fmt.Errorf("failed to truncate archive %s: %w", p.Archive, err)
	}
	return backups, nil
}

// TruncateAfter cuts the corpus immediately after key.
func TruncateAfter(dir string, key types.DocKey) ([]string, error) {
	plan, err := PlanTruncate(dir, key)
	if err != nil {
		return nil, err
	}
	return plan.Apply()
}

// backupName is path+BackupSuffix, or a timestamped name if that backup
// already exists from an earlier repair.
func backupName(path string) string {
	dst := path + BackupSuffix
	if _, err := os.Stat(dst); err == nil {
		dst = fmt.Sprintf("%s%s.%s", path, BackupSuffix, time.Now().Format("20060102_150405.000000000"))
	}
	return dst
}

// backupFile copies path to its backup name.
func backupFile(path string) (string, error) {
	dst := backupName(path)

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open archive for backup: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to sync backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// StoredLength returns the length in the metadata and whether one is stored.
func StoredLength(dir string) (int, bool, error) {
	md, found, err := LoadMetadata(dir)
	if err != nil || !found {
		return 0, false, err
	}
	n, ok := md.Int(MetaLength)
	return n, ok, nil
}

// SetLength rewrites the stored length, keeping every other metadata key.
func SetLength(dir string, n int) error {
	md, _, err := LoadMetadata(dir)
	if err != nil {
		return err
	}
	md[MetaLength] = n
	return SaveMetadata(dir, md)
}
