// Package state persists the shipping watermarks across master
// restarts, for operator diagnostics. The file is advisory: replication
// correctness never depends on it.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bft-labs/replmaster/internal/domain"
)

const watermarksFileName = "watermarks.json"

// Watermarks records the two instants the shipper tracks: the highest
// instant known durable on the primary and the highest instant handed to
// the transmitter.
type Watermarks struct {
	FlushedInstant domain.Instant `json:"flushed_instant"`
	ShippedInstant domain.Instant `json:"shipped_instant"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsEmpty reports whether the watermarks were never recorded.
func (w Watermarks) IsEmpty() bool {
	return w.FlushedInstant == 0 && w.ShippedInstant == 0
}

// FileRepository stores watermarks as a JSON file in a directory.
type FileRepository struct {
	dir string
}

// NewFileRepository creates a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Load reads the last saved watermarks. A missing file yields empty
// watermarks and no error.
func (r *FileRepository) Load() (Watermarks, error) {
	data, err := os.ReadFile(r.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Watermarks{}, nil
		}
		return Watermarks{}, err
	}
	var w Watermarks
	if err := json.Unmarshal(data, &w); err != nil {
		return Watermarks{}, err
	}
	return w, nil
}

// Save persists the watermarks atomically via write-then-rename, so a
// crash mid-save never leaves a corrupt file.
func (r *FileRepository) Save(w Watermarks) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}
	w.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.Path())
}

// Path returns the full path of the watermarks file.
func (r *FileRepository) Path() string {
	return filepath.Join(r.dir, watermarksFileName)
}
