// Package docstore provides Document Store implementations: where a node
// gets the initial state of a document when its first client attaches.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

var ErrInvalidDocID = errors.New("docstore: invalid document id")

// Memory serves documents from in-memory seeds. Unknown ids load as empty
// documents.
type Memory struct {
	mu    sync.RWMutex
	seeds map[string]map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{seeds: make(map[string]map[string]json.RawMessage)}
}

// Seed sets the values a later Load of docID starts from.
func (m *Memory) Seed(docID string, values map[string]json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds[docID] = maps.Clone(values)
}

func (m *Memory) Load(ctx context.Context, docID string) (*syncengine.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	values := m.seeds[docID]
	m.mu.RUnlock()
	return syncengine.FromSnapshot(docID, values), nil
}

// Dir reads <root>/<docID>.json, a single JSON object. A missing file loads
// as an empty document.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Load(ctx context.Context, docID string) (*syncengine.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(docID); err != nil {
		return nil, err
	}

	path := filepath.Join(d.root, docID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return syncengine.FromSnapshot(docID, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return syncengine.FromSnapshot(docID, values), nil
}

func validateID(docID string) error {
	if docID == "" || docID == "." || docID == ".." ||
		strings.ContainsAny(docID, `/\`) || strings.ContainsRune(docID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidDocID, docID)
	}
	return nil
}
