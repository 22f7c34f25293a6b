// Package responselog implements the append-only, newline-delimited JSON
// response log and its startup resume scan: a single, never-rotated file of
// provider.GenericResponse records, one per line, each fsynced on write so a
// crash never loses an already-decided terminal outcome. On startup, the
// file is re-scanned to build the set of request indices that already have
// a recorded outcome, so re-running against the same request/response pair
// resumes instead of reprocessing everything from scratch.
package responselog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"llmbatch/pkg/provider"
)

// Log is an append-only writer for one response file, synchronized for
// concurrent use by many in-flight request goroutines.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the response file for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open response log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Append writes one response as a single JSON line and fsyncs it, so a
// process crash never loses an already-decided terminal outcome.
func (l *Log) Append(resp provider.GenericResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if _, err := l.file.WriteString("\n"); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ResumeSet scans an existing response file (if any — a missing file is not
// an error, it just means a fresh run) and returns the set of
// original_row_idx values that already have a terminal outcome recorded.
// The dispatcher skips any request file line whose index appears here,
// making a re-run of the same input/output pair resume rather than
// reprocess already-decided requests.
func ResumeSet(path string) (map[int]bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[int]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open response log for resume scan %s: %w", path, err)
	}
	defer f.Close()

	completed := make(map[int]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp provider.GenericResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			// A partially written final line from a crash mid-Append is
			// possible since Append writes then syncs, not atomically;
			// tolerate and stop scanning rather than fail the whole resume.
			break
		}
		completed[resp.OriginalRowIdx] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan response log %s: %w", path, err)
	}
	return completed, nil
}
