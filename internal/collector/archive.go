// SPDX-License-Identifier: MIT

package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/toolary/telemetry/internal/event"
)

// Archive persists received batches as one JSON file per batch. Writes are
// atomic so a crashed collector never leaves a torn file behind.
type Archive struct {
	dir string
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	return &Archive{dir: dir}, nil
}

// Write stores one batch under its batch id. Submissions without a usable id
// get a fresh one so they cannot clobber each other.
func (a *Archive) Write(batch event.Batch) error {
	id := batch.ID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	path := filepath.Join(a.dir, id+".json")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write batch %s: %w", id, err)
	}
	return nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }
