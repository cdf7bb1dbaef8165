package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/docpipe/internal/snapshot"
)

const (
	// MetadataFileName holds the corpus metadata map.
	MetadataFileName = "corpus.json"
	// IndexFileName lists archive names in write order.
	IndexFileName = "archives.idx"
	// ArchiveExt is the suffix of archive files.
	ArchiveExt = ".jsonl"

	// MetaLength is the stored document count.
	MetaLength = "length"
	// MetaArchiveSize is the target documents per archive.
	MetaArchiveSize = "archive_size"
	// MetaArchives is the number of archives at close time.
	MetaArchives = "archives"
)

// Metadata is the mutable corpus metadata map. Unknown keys are preserved.
type Metadata map[string]interface{}

// Int reads an integer value, tolerating the float64 that JSON decoding yields.
func (m Metadata) Int(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func metadataFile(dir string) *snapshot.Manager {
	return snapshot.NewManager(filepath.Join(dir, MetadataFileName))
}

// LoadMetadata reads a corpus' metadata. found is false when the writer never
// closed.
func LoadMetadata(dir string) (Metadata, bool, error) {
	md := Metadata{}
	found, err := metadataFile(dir).Load(&md)
	if err != nil {
		return nil, false, err
	}
	return md, found, nil
}

// SaveMetadata writes a corpus' metadata atomically.
func SaveMetadata(dir string, md Metadata) error {
	return metadataFile(dir).Write(md)
}

func archivePath(dir, archive string) string {
	return filepath.Join(dir, archive+ArchiveExt)
}

// readIndex returns the archive names in write order. A torn last line whose
// archive file never got created is dropped.
func readIndex(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read archive index: %w", err)
	}

	var archives []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || seen[name] {
			continue
		}
		if _, err := os.Stat(archivePath(dir, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		seen[name] = true
		archives = append(archives, name)
	}
	return archives, scanner.Err()
}

// writeIndex replaces the archive index atomically.
func writeIndex(dir string, archives []string) error {
	var buf bytes.Buffer
	for _, a := range archives {
		buf.WriteString(a)
		buf.WriteByte('\n')
	}
	tmp := filepath.Join(dir, IndexFileName+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write archive index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, IndexFileName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace archive index: %w", err)
	}
	return nil
}
