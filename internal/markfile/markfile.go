// Package markfile persists the agent's last-activity timestamp to disk so
// an external liveness prober (e.g. an init system or a sibling health
// check) can tell the process is still ticking without talking to it
// directly (spec.md §1 "mark file", §4.1 step 3).
//
// The read/write/atomic-rename technique is the teacher's
// agent/internal/connection.loadState/saveState pattern, applied here to a
// single timestamp instead of an agent ID.
package markfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const fileName = "backup-mark.json"

type markState struct {
	ActivityTimestampMs int64 `json:"activity_timestamp_ms"`
}

// File is the on-disk mark file rooted at a cluster directory.
type File struct {
	path string
}

// Open returns a File rooted at dir/backup-mark.json. dir is created if
// it does not already exist.
func Open(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("markfile: failed to create dir: %w", err)
	}
	return &File{path: filepath.Join(dir, fileName)}, nil
}

// UpdateActivityTimestamp writes nowMs as the latest activity timestamp.
// Called once per tick whenever the epoch clock has advanced (spec.md §4.1
// step 3) — never more than once per distinct nowMs value.
func (f *File) UpdateActivityTimestamp(nowMs int64) error {
	data, err := json.Marshal(markState{ActivityTimestampMs: nowMs})
	if err != nil {
		return fmt.Errorf("markfile: failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "backup-mark.*.tmp")
	if err != nil {
		return fmt.Errorf("markfile: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("markfile: failed to write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("markfile: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("markfile: failed to rename: %w", err)
	}
	ok = true
	return nil
}

// ActivityTimestampMs reads the last persisted activity timestamp. Returns
// 0 if the file does not exist yet.
func (f *File) ActivityTimestampMs() (int64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("markfile: failed to read: %w", err)
	}
	var s markState
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("markfile: corrupted state file: %w", err)
	}
	return s.ActivityTimestampMs, nil
}
