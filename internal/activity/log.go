package activity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prevHash of the first entry in a new log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Log is an append-only JSONL event log with SHA-256 hash chaining.
// Each entry's prevHash is the hash of the previous line, forming a
// tamper-evident chain across restarts.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	mu       sync.Mutex
}

// OpenLog opens (or creates) an activity log for appending. If the
// file already exists the last line is read to recover the chain tail.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("activity: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("activity: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("activity: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("activity: open file: %w", err)
	}
	return &Log{path: path, file: file, prevHash: prevHash}, nil
}

// Record appends an event with hash chaining, filling in ID and
// Timestamp when empty, and syncs to disk.
func (l *Log) Record(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(timestampFormat)
	}
	e.PrevHash = l.prevHash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("activity: marshal event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("activity: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("activity: sync: %w", err)
	}
	l.prevHash = HashLine(line)
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"errorLine,omitempty"`
}

// Verify reads a JSONL activity log and validates the hash chain,
// reporting the first broken link if any.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	var prevLine []byte

	for scanner.Scan() {
		lineNum++
		line := append([]byte(nil), scanner.Bytes()...)

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}

		want := GenesisHash
		if lineNum > 1 {
			want = HashLine(prevLine)
		}
		if e.PrevHash != want {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", want, e.PrevHash),
				ErrorLine: lineNum,
			}
		}
		prevLine = line
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err), Lines: lineNum}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
