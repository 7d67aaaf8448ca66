// Package transcript appends completed exchanges to per-session JSONL
// files. Transcripts are an audit convenience, not a system of record:
// write failures are logged and swallowed so a full disk never fails a
// request.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pearl-project/pearl/pkg/types"
)

// Entry is one completed exchange.
type Entry struct {
	Time         time.Time    `json:"time"`
	RequestID    string       `json:"request_id"`
	SessionID    string       `json:"session_id"`
	AgentID      string       `json:"agent_id,omitempty"`
	UserID       string       `json:"user_id,omitempty"`
	Model        string       `json:"model"`
	RuleName     string       `json:"rule,omitempty"`
	Prompt       string       `json:"prompt"`
	Response     string       `json:"response"`
	FinishReason string       `json:"finish_reason"`
	Usage        *types.Usage `json:"usage,omitempty"`
}

// Log appends entries to per-session JSONL files under a base directory.
// Safe for concurrent use: appends rely on O_APPEND write atomicity for
// single lines.
type Log struct {
	dir string
	now func() time.Time
}

// NewLog creates a Log rooted at dir, creating it if needed.
func NewLog(dir string) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create dir: %w", err)
	}
	return &Log{dir: dir, now: time.Now}, nil
}

// Append writes one entry to the session's file. A missing session ID goes
// to the shared "anonymous" file. Errors are returned for observability but
// callers are expected to swallow them.
func (l *Log) Append(_ context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("transcript: marshal: %w", err)
	}

	f, err := os.OpenFile(l.path(e.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

// Read returns all entries for a session, oldest first. Missing sessions
// yield an empty slice.
func (l *Log) Read(_ context.Context, sessionID string) ([]Entry, error) {
	data, err := os.ReadFile(l.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	var out []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed transcript line", "session", sessionID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Log) path(sessionID string) string {
	name := sanitize(sessionID)
	if name == "" {
		name = "anonymous"
	}
	return filepath.Join(l.dir, name+".jsonl")
}

// sanitize keeps session IDs filesystem-safe.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
