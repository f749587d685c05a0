package markfile

import (
	"path/filepath"
	"testing"
)

func TestUpdateAndReadActivityTimestamp(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got, err := f.ActivityTimestampMs(); err != nil || got != 0 {
		t.Fatalf("expected 0 before any write, got %d err=%v", got, err)
	}

	if err := f.UpdateActivityTimestamp(1234); err != nil {
		t.Fatalf("UpdateActivityTimestamp: %v", err)
	}

	got, err := f.ActivityTimestampMs()
	if err != nil {
		t.Fatalf("ActivityTimestampMs: %v", err)
	}
	if got != 1234 {
		t.Fatalf("ActivityTimestampMs() = %d, want 1234", got)
	}

	// A second write overwrites rather than appends.
	if err := f.UpdateActivityTimestamp(5678); err != nil {
		t.Fatalf("UpdateActivityTimestamp: %v", err)
	}
	got, err = f.ActivityTimestampMs()
	if err != nil {
		t.Fatalf("ActivityTimestampMs: %v", err)
	}
	if got != 5678 {
		t.Fatalf("ActivityTimestampMs() = %d, want 5678", got)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "cluster", "backup-agent")

	f, err := Open(nested)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.UpdateActivityTimestamp(1); err != nil {
		t.Fatalf("UpdateActivityTimestamp: %v", err)
	}
}
