package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig controls size-based rotation of a log file.
type RotationConfig struct {
	Path string
	// MaxSizeMB is the size at which the file is rotated; 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept; 0 keeps all.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// RotatingFile is an io.WriteCloser that rotates its file once it reaches the
// configured size. Rotated files are named <base>-<UTC timestamp><ext>.
type RotatingFile struct {
	config RotationConfig
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingFile opens (or creates) the log file, creating its directory.
func NewRotatingFile(config RotationConfig) (*RotatingFile, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	rf := &RotatingFile{config: config, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer. A single write is never split across files.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if limit := int64(rf.config.MaxSizeMB) << 20; limit > 0 && rf.size > 0 && rf.size+int64(len(p)) > limit {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Rotate rotates the file now regardless of its size.
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.config.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(rf.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.file = file
	rf.size = info.Size()
	return nil
}

// rotate must be called with the lock held.
func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.config.Path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if rf.config.Compress {
		// a failed compression leaves the plain backup in place
		if err := gzipFile(backup); err == nil {
			_ = os.Remove(backup)
		}
	}
	rf.prune()
	return rf.open()
}

func (rf *RotatingFile) split() (dir, prefix, ext string) {
	dir = filepath.Dir(rf.config.Path)
	base := filepath.Base(rf.config.Path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (rf *RotatingFile) backupName(t time.Time) string {
	dir, prefix, ext := rf.split()
	name := filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.Format("20060102T150405.000"), ext))
	// two rotations inside the same millisecond
	for i := 1; fileExists(name) || fileExists(name+".gz"); i++ {
		name = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", prefix, t.Format("20060102T150405.000"), i, ext))
	}
	return name
}

// Backups returns rotated files, oldest first.
func (rf *RotatingFile) Backups() []string {
	dir, prefix, ext := rf.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	// timestamped names sort chronologically
	sort.Strings(names)
	return names
}

func (rf *RotatingFile) prune() {
	if rf.config.MaxBackups <= 0 {
		return
	}
	backups := rf.Backups()
	for len(backups) > rf.config.MaxBackups {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
