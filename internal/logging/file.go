package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFile is an append-only log file that is renamed aside once it
// grows past maxSize.
type RotatingFile struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	fileSize int64
	maxSize  int64
	maxAge   time.Duration
	maxFiles int
}

// OpenRotatingFile opens (or creates) the log file at path.
func OpenRotatingFile(path string, maxSize int64, maxAge time.Duration, maxFiles int) (*RotatingFile, error) {
	if path == "" {
		return nil, fmt.Errorf("file path must be specified for file logging")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	return &RotatingFile{
		file:     file,
		filePath: path,
		fileSize: info.Size(),
		maxSize:  maxSize,
		maxAge:   maxAge,
		maxFiles: maxFiles,
	}, nil
}

// Write implements io.Writer
func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}

	if f.maxSize > 0 && f.fileSize >= f.maxSize {
		if err := f.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log file: %v\n", err)
		}
	}

	n, err := f.file.Write(p)
	f.fileSize += int64(n)
	return n, err
}

// Close implements io.Closer
func (f *RotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *RotatingFile) rotate() error {
	if err := f.file.Close(); err != nil {
		return err
	}

	rotatedPath := fmt.Sprintf("%s.%s", f.filePath, time.Now().Format("20060102-150405.000000000"))
	if err := os.Rename(f.filePath, rotatedPath); err != nil {
		return err
	}

	file, err := os.OpenFile(f.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	f.file = file
	f.fileSize = 0
	f.cleanOldLogFiles()
	return nil
}

// cleanOldLogFiles removes rotated files past maxAge, then the oldest ones
// beyond maxFiles.
func (f *RotatingFile) cleanOldLogFiles() {
	dir := filepath.Dir(f.filePath)
	prefix := filepath.Base(f.filePath) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []os.FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rotated = append(rotated, info)
	}

	sort.Slice(rotated, func(i, j int) bool {
		return rotated[i].Name() < rotated[j].Name()
	})

	now := time.Now()
	kept := rotated[:0]
	for _, info := range rotated {
		if f.maxAge > 0 && now.Sub(info.ModTime()) > f.maxAge {
			_ = os.Remove(filepath.Join(dir, info.Name()))
			continue
		}
		kept = append(kept, info)
	}

	if f.maxFiles > 0 && len(kept) > f.maxFiles {
		for _, info := range kept[:len(kept)-f.maxFiles] {
			_ = os.Remove(filepath.Join(dir, info.Name()))
		}
	}
}
