// Package tail provides incremental reading of append-only log files. The
// reader remembers a byte offset and mtime per path and returns only lines
// appended since the previous call, detecting truncation and rotation by a
// shrinking size.
package tail

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// maxLineSize bounds a single log line. Tool results embedding whole files
// can produce lines in the megabyte range.
const maxLineSize = 8 * 1024 * 1024

// Result is one batch of newly observed lines.
type Result struct {
	// Lines are the complete lines read, without terminators.
	Lines []string
	// StartLine is the 1-based line number of Lines[0] within the file.
	StartLine int
	// Truncated reports that the file shrank and was re-read from zero.
	Truncated bool
}

type fileState struct {
	offset int64
	mtime  time.Time
	lines  int
}

// Reader tracks per-file read positions. The internal map is guarded by a
// mutex; callers must ensure a given path is read by one goroutine at a time.
type Reader struct {
	mu    sync.Mutex
	files map[string]*fileState
}

// NewReader returns an empty reader.
func NewReader() *Reader {
	return &Reader{files: make(map[string]*fileState)}
}

// ReadNew returns the lines appended to path since the last successful call.
// A file whose size shrank below the stored offset is treated as truncated or
// rotated and re-read from the beginning. On I/O error the stored state is
// unchanged so the next event retries the same range.
func (r *Reader) ReadNew(path string) (Result, error) {
	st := r.state(path)

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}

	size := info.Size()
	if size <= st.offset && info.ModTime().Equal(st.mtime) {
		return Result{StartLine: st.lines + 1}, nil
	}

	startOffset := st.offset
	startLine := st.lines
	truncated := false
	if size < st.offset {
		// Truncation or rotation: everything currently in the file is new.
		startOffset = 0
		startLine = 0
		truncated = true
	}

	lines, err := readRange(path, startOffset, size)
	if err != nil {
		return Result{}, err
	}

	st.offset = size
	st.mtime = info.ModTime()
	st.lines = startLine + len(lines)
	return Result{Lines: lines, StartLine: startLine + 1, Truncated: truncated}, nil
}

// ReadAll resets the stored state for path and reads the whole file.
func (r *Reader) ReadAll(path string) (Result, error) {
	r.Forget(path)
	return r.ReadNew(path)
}

// Forget drops tracking state for path. The next read starts from zero.
func (r *Reader) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, path)
}

// Offset returns the stored byte offset for path (zero if untracked).
func (r *Reader) Offset(path string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.files[path]; ok {
		return st.offset
	}
	return 0
}

func (r *Reader) state(path string) *fileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.files[path]
	if !ok {
		st = &fileState{}
		r.files[path] = st
	}
	return st
}

// readRange streams [from, to) of the file line by line. LF and CRLF are
// both accepted; a trailing empty segment is discarded.
func readRange(path string, from, to int64) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the directory watcher
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if from > 0 {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}

	scanner := bufio.NewScanner(io.LimitReader(f, to-from))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Drop a trailing empty line left by a final newline pair.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}
