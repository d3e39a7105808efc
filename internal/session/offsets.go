package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSnapshot is returned by Load when no offset snapshot exists on disk.
var ErrNoSnapshot = errors.New("no offset snapshot")

// OffsetFile persists the per-file read offsets across restarts so a
// restarted watcher resumes tailing instead of re-folding whole transcripts
// (which would double every token counter).
type OffsetFile struct {
	path string // full path to offsets.json
}

// NewOffsetFile returns an OffsetFile backed by the XDG data directory.
// Path: $XDG_DATA_HOME/agenthud/offsets.json or ~/.local/share/agenthud/offsets.json
func NewOffsetFile() (*OffsetFile, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &OffsetFile{path: filepath.Join(dir, "offsets.json")}, nil
}

// dataDir returns the agenthud-specific XDG data directory.
func dataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "agenthud"), nil
}

// Save marshals the offsets to JSON and writes them atomically via a temp
// file + os.Rename.
func (f *OffsetFile) Save(offsets map[string]int64) error {
	data, err := json.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("failed to persist offsets: %w", err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "offsets-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist offsets: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist offsets: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist offsets: %w", err)
	}

	if err = os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to persist offsets: %w", err)
	}
	return nil
}

// Load reads and unmarshals the offset snapshot.
// Returns ErrNoSnapshot if the file does not exist.
func (f *OffsetFile) Load() (map[string]int64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}

	var offsets map[string]int64
	if err := json.Unmarshal(data, &offsets); err != nil {
		return nil, fmt.Errorf("failed to parse offsets: %w", err)
	}
	return offsets, nil
}
