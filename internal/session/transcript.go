package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// transcript is the best-effort on-disk raw log of a session's output.
// It serves the history endpoint's Range and since_offset reads; rotation
// and durability across server restarts are explicitly not its job.
type transcript struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size int64
}

func openTranscript(dir, sessionID string) (*transcript, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".raw")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &transcript{f: f, path: path}, nil
}

// Write appends p. Errors are returned but the session keeps running;
// transcript loss is tolerated.
func (t *transcript) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("transcript closed")
	}
	n, err := t.f.Write(p)
	t.size += int64(n)
	return err
}

// Size returns the bytes written so far.
func (t *transcript) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Open returns a fresh reader over the transcript file positioned at
// offset. The caller closes it.
func (t *transcript) Open(offset int64) (io.ReadCloser, int64, error) {
	t.mu.Lock()
	path, size := t.path, t.size
	t.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset > size {
		offset = size
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, size - offset, nil
}

// Close flushes and closes the file. Further writes fail.
func (t *transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
