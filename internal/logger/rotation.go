package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is a size-based rotating log file writer. It is safe for concurrent use.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64 // bytes
	maxAge      int   // days
	compress    bool
	currentFile *os.File
	currentSize int64
	wg          sync.WaitGroup
}

func ensureDir(filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// NewRotatingWriter opens filename for appending and rotates it once it grows past maxSizeMB.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	rw := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: info.Size(),
	}

	rw.cleanup()
	return rw, nil
}

// Write writes p, rotating first when p would push the file past the size limit.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compressions.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
		w.currentFile = nil
	}
	w.wg.Wait()
	return err
}

// rotate renames the current file aside and opens a fresh one. Callers hold mu.
func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotatedName := fmt.Sprintf("%s.%s", w.filename, time.Now().Format("20060102-150405.000000000"))
	if err := os.Rename(w.filename, rotatedName); err != nil {
		return err
	}

	if w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = compressFile(rotatedName)
		}()
	}

	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = 0

	w.cleanup()
	return nil
}

// compressFile gzips filename to filename.gz and removes the original.
func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// cleanup removes rotated files older than maxAge days.
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	files, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(file)
		if !strings.HasSuffix(file, ".gz") {
			_ = os.Remove(file + ".gz")
		}
	}
}
