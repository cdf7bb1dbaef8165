package status

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/docpipe/pkg/types"
)

// Known metadata keys. Everything else is carried through untouched.
const (
	keyStatus           = "status"
	keyDocsCompleted    = "docs_completed"
	keyLastDocCompleted = "last_doc_completed"
)

// Metadata is a module's persisted execution state.
type Metadata struct {
	Status types.ModuleStatus

	// Checkpoint fields, only meaningful for document-map modules.
	DocsCompleted    int
	LastDocCompleted types.DocKey

	// Extra holds keys written by other tools or newer versions.
	Extra map[string]json.RawMessage
}

// NewMetadata returns the state of a module that has never run.
func NewMetadata() *Metadata {
	return &Metadata{Status: types.StatusUnexecuted}
}

// Checkpoint returns the stored checkpoint, or nil when none is recorded.
func (m *Metadata) Checkpoint() *types.Checkpoint {
	if m.LastDocCompleted.IsZero() {
		return nil
	}
	return &types.Checkpoint{DocsCompleted: m.DocsCompleted, LastDoc: m.LastDocCompleted}
}

// ClearCheckpoint drops the resumption markers.
func (m *Metadata) ClearCheckpoint() {
	m.DocsCompleted = 0
	m.LastDocCompleted = types.DocKey{}
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	status := m.Status
	if status == "" {
		status = types.StatusUnexecuted
	}
	out[keyStatus] = status
	if !m.LastDocCompleted.IsZero() {
		out[keyDocsCompleted] = m.DocsCompleted
		out[keyLastDocCompleted] = m.LastDocCompleted.String()
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{Status: types.StatusUnexecuted}

	if v, ok := raw[keyStatus]; ok {
		if err := json.Unmarshal(v, &m.Status); err != nil {
			return fmt.Errorf("bad %s: %w", keyStatus, err)
		}
		if !m.Status.Valid() {
			return fmt.Errorf("unknown module status %q", m.Status)
		}
		delete(raw, keyStatus)
	}
	if v, ok := raw[keyDocsCompleted]; ok {
		if err := json.Unmarshal(v, &m.DocsCompleted); err != nil {
			return fmt.Errorf("bad %s: %w", keyDocsCompleted, err)
		}
		delete(raw, keyDocsCompleted)
	}
	if v, ok := raw[keyLastDocCompleted]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("bad %s: %w", keyLastDocCompleted, err)
		}
		if s != "" {
			key, err := types.ParseDocKey(s)
			if err != nil {
				return err
			}
			m.LastDocCompleted = key
		}
		delete(raw, keyLastDocCompleted)
	}

	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}
