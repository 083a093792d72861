package chainsource

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Checkpoint persists backfill progress so an interrupted run resumes from
// the last fully processed block instead of replaying the whole range.
type Checkpoint interface {
	Load() (lastBlock uint64, ok bool, err error)
	Save(lastBlock uint64) error
}

// FileCheckpoint stores the watermark in a small text file.
type FileCheckpoint struct {
	path string
}

// NewFileCheckpoint builds a file-backed checkpoint, creating parent
// directories as needed.
func NewFileCheckpoint(path string) (*FileCheckpoint, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileCheckpoint{path: path}, nil
}

// Load reads the last processed block. ok is false when no checkpoint exists.
func (c *FileCheckpoint) Load() (uint64, bool, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, false, nil
	}
	block, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

// Save atomically writes the last processed block.
func (c *FileCheckpoint) Save(lastBlock uint64) error {
	tmp := c.path + ".tmp"
	content := strconv.FormatUint(lastBlock, 10) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

var _ Checkpoint = (*FileCheckpoint)(nil)
