package corpus

// ============================================================================
// 記錄格式與校驗和
// 職責：一行一筆文件記錄的編碼、解碼與 CRC32 驗證
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// record 是 archive 檔案中的一行
type record struct {
	Doc      string                 `json:"doc"`
	Data     json.RawMessage        `json:"data,omitempty"`
	Invalid  *types.InvalidDocument `json:"invalid,omitempty"`
	Checksum uint32                 `json:"crc"`
}

// keyOnly 只解出文件名稱，列舉 key 時不必保留文件內容
type keyOnly struct {
	Doc string `json:"doc"`
}

// checksum 計算記錄的 CRC32
//
// 涵蓋文件名稱與內容（或 invalid 標記），以 0 位元組分隔欄位。
func checksum(doc string, d types.Document) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(doc))
	h.Write([]byte{0})
	if d.Invalid != nil {
		h.Write([]byte(d.Invalid.ModuleName))
		h.Write([]byte{0})
		h.Write([]byte(d.Invalid.ErrorInfo))
	} else {
		h.Write(d.Data)
	}
	return h.Sum32()
}

// encodeRecord 產生一行 JSON（含換行）
func encodeRecord(doc string, d types.Document) ([]byte, error) {
	if d.Invalid != nil {
		d.Data = nil
	} else if len(d.Data) > 0 {
		// 先正規化成 json.Marshal 實際輸出的位元組，校驗和才會與讀回的內容一致
		canon, err := json.Marshal(d.Data)
		if err != nil {
			return nil, fmt.Errorf("document %s data is not valid JSON: %w", doc, err)
		}
		d.Data = canon
	}
	rec := record{
		Doc:      doc,
		Data:     d.Data,
		Invalid:  d.Invalid,
		Checksum: checksum(doc, d),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc, err)
	}
	return append(line, '\n'), nil
}

// decodeRecord 解析並驗證一行
func decodeRecord(line []byte) (string, types.Document, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", types.Document{}, err
	}
	d := types.Document{Data: rec.Data, Invalid: rec.Invalid}
	if checksum(rec.Doc, d) != rec.Checksum {
		return "", types.Document{}, fmt.Errorf("%w for document %s", ErrChecksumMismatch, rec.Doc)
	}
	return rec.Doc, d, nil
}

// decodeKey 只取文件名稱，不驗證校驗和
func decodeKey(line []byte) (string, error) {
	var k keyOnly
	if err := json.Unmarshal(line, &k); err != nil {
		return "", err
	}
	return k.Doc, nil
}

// validName 檢查 archive / 文件名稱是否可以安全存放
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\n\x00")
}
