package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter is a size-based log rotator for the server's long-lived
// process. Rotated files are gzip-compressed in the background
// (`server.log.1.gz` … `server.log.<n>.gz`); an oversized file found at
// startup is rotated before the first write so a crash-looping server
// cannot grow one file forever. Implements io.Writer and is safe for
// concurrent use.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64 // bytes
	maxBackups int
	written    int64

	// compress tracks the background gzip of the most recent rotation;
	// the next rotation and Close wait for it.
	compress sync.WaitGroup
}

// NewRotatingWriter creates a writer that rotates when maxSizeMB is
// exceeded, keeping maxBackups compressed backups.
func NewRotatingWriter(filePath string, maxSizeMB int, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}

	if err := rw.openFile(); err != nil {
		return nil, err
	}
	if rw.written >= rw.maxSize {
		if err := rw.rotate(); err != nil {
			return nil, fmt.Errorf("rotate oversized log at startup: %w", err)
		}
	}
	return rw, nil
}

// Write implements io.Writer, rotating before the write that would
// cross maxSize.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.written+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.written += int64(n)
	return n, err
}

// Reopen closes and reopens the log file. Wired to SIGHUP so external
// log shippers can move the file out from under the server.
func (rw *RotatingWriter) Reopen() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file != nil {
		rw.file.Close()
	}
	return rw.openFile()
}

// Close flushes, waits for any in-flight backup compression, and closes
// the file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	file := rw.file
	rw.file = nil
	rw.mu.Unlock()

	rw.compress.Wait()
	if file != nil {
		return file.Close()
	}
	return nil
}

// TeeWriter returns an io.Writer that writes to both w1 and w2. Used to
// keep stdout logging alive when log_file is configured.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rw.file = f
	rw.written = info.Size()
	return nil
}

// rotate is called with mu held.
func (rw *RotatingWriter) rotate() error {
	// The previous rotation's compressor owns the .raw staging file;
	// let it finish before shuffling backups.
	rw.compress.Wait()

	if rw.file != nil {
		rw.file.Close()
		rw.file = nil
	}

	// Shift compressed backups: .<max>.gz drops off, .(n).gz → .(n+1).gz.
	for i := rw.maxBackups; i >= 2; i-- {
		src := rw.backupName(i - 1)
		dst := rw.backupName(i)
		if i == rw.maxBackups {
			os.Remove(dst)
		}
		os.Rename(src, dst)
	}

	// Stage the closed log and compress it off the write path.
	staging := rw.filePath + ".raw"
	if err := os.Rename(rw.filePath, staging); err != nil && !os.IsNotExist(err) {
		return err
	}
	rw.compress.Add(1)
	go func() {
		defer rw.compress.Done()
		compressBackup(staging, rw.backupName(1))
	}()

	return rw.openFile()
}

func (rw *RotatingWriter) backupName(index int) string {
	return fmt.Sprintf("%s.%d.gz", rw.filePath, index)
}

// compressBackup gzips src into dst and removes src. Failures leave the
// raw staging file behind rather than losing log data.
func compressBackup(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}

	gz := gzip.NewWriter(out)
	_, copyErr := io.Copy(gz, in)
	gzErr := gz.Close()
	outErr := out.Close()

	if copyErr == nil && gzErr == nil && outErr == nil {
		os.Remove(src)
	} else {
		os.Remove(dst)
	}
}
