package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingFileRotatesAtSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "switchyard.log")
	rf, err := NewRotatingFile(RotationConfig{Path: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewRotatingFile: %v", err)
	}
	defer func() { _ = rf.Close() }()

	line := []byte(strings.Repeat("x", 600<<10) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	// 600K fits, 1.2M does not: every write after the first starts a new file
	if got := len(rf.Backups()); got != 2 {
		t.Fatalf("backups = %d, want 2", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Errorf("current size = %d, want %d", info.Size(), len(line))
	}
}

func TestRotatingFilePrunesAndCompresses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "switchyard.log")
	rf, err := NewRotatingFile(RotationConfig{Path: path, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("NewRotatingFile: %v", err)
	}
	defer func() { _ = rf.Close() }()

	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rf.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 4; i++ {
		if _, err := rf.Write([]byte("entry\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := rf.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}

	backups := rf.Backups()
	if len(backups) != 2 {
		t.Fatalf("backups = %v, want 2", backups)
	}
	for _, b := range backups {
		if !strings.HasSuffix(b, ".log.gz") {
			t.Errorf("backup %s not compressed", b)
		}
	}
	if !strings.Contains(backups[1], "20260301T120004") {
		t.Errorf("newest backup = %s", backups[1])
	}
}

func TestRotatingFileWriteAfterClose(t *testing.T) {
	t.Parallel()

	rf, err := NewRotatingFile(RotationConfig{Path: filepath.Join(t.TempDir(), "a.log")})
	if err != nil {
		t.Fatalf("NewRotatingFile: %v", err)
	}
	if err := rf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rf.Write([]byte("late")); err == nil {
		t.Error("expected error writing to a closed file")
	}
	if err := rf.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRotatingFileRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewRotatingFile(RotationConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}
