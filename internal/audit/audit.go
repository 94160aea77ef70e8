// Package audit holds the per-run record of every action an autorun script
// issued. A Log is built in memory while the script runs and written to disk
// exactly once, atomically, when the run ends.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultHost is recorded for actions issued without an explicit host.
const DefaultHost = "localhost"

// ActionRecord is one entry in the log. Params are stored after redaction.
type ActionRecord struct {
	Sequence     int            `json:"sequence"`
	Module       string         `json:"module"`
	Host         string         `json:"host"`
	Params       map[string]any `json:"params"`
	Success      bool           `json:"success"`
	Changed      bool           `json:"changed"`
	Duration     float64        `json:"duration"` // seconds
	Timestamp    time.Time      `json:"timestamp"`
	Output       any            `json:"output"`
	Replayed     bool           `json:"replayed,omitempty"`
	ParamsDigest string         `json:"params_digest,omitempty"`
}

// Outcome is a one-word summary used in tables and progress lines.
func (r ActionRecord) Outcome() string {
	switch {
	case !r.Success:
		return "failed"
	case r.Replayed:
		return "replayed"
	case r.Changed:
		return "changed"
	default:
		return "ok"
	}
}

// ErrorSummary describes one failure. Sequence is -1 for failures that are
// not tied to an action, such as an interrupted or panicking script.
type ErrorSummary struct {
	Sequence int    `json:"sequence"`
	Module   string `json:"module,omitempty"`
	Host     string `json:"host,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Log is the document persisted for a run.
type Log struct {
	RunID     string         `json:"run_id,omitempty"`
	Started   time.Time      `json:"started"`
	Completed time.Time      `json:"completed"`
	CheckMode bool           `json:"check_mode"`
	Success   bool           `json:"success"`
	Actions   []ActionRecord `json:"actions"`
	Errors    []ErrorSummary `json:"errors"`
}

// New returns an empty log for a run that started at started.
func New(runID string, started time.Time, checkMode bool) *Log {
	return &Log{
		RunID:     runID,
		Started:   started.UTC(),
		CheckMode: checkMode,
		Success:   true,
		Actions:   []ActionRecord{},
		Errors:    []ErrorSummary{},
	}
}

// Append adds rec at the end of the log. Records must arrive in sequence
// order with no gaps.
func (l *Log) Append(rec ActionRecord) error {
	if want := len(l.Actions); rec.Sequence != want {
		return fmt.Errorf("audit: record sequence %d out of order (want %d)", rec.Sequence, want)
	}
	if rec.Host == "" {
		rec.Host = DefaultHost
	}
	rec.Timestamp = rec.Timestamp.UTC()
	l.Actions = append(l.Actions, rec)
	l.Success = l.Success && rec.Success
	return nil
}

// AddError appends a failure summary.
func (l *Log) AddError(e ErrorSummary) {
	l.Errors = append(l.Errors, e)
}

// Finish stamps the completion time and recomputes Success as the AND of
// every record's success flag.
func (l *Log) Finish(completed time.Time) {
	l.Completed = completed.UTC()
	ok := true
	for _, a := range l.Actions {
		ok = ok && a.Success
	}
	l.Success = ok
}

// Counts returns the number of actions, replayed actions and failures.
func (l *Log) Counts() (total, replayed, failed int) {
	for _, a := range l.Actions {
		total++
		if a.Replayed {
			replayed++
		}
		if !a.Success {
			failed++
		}
	}
	return total, replayed, failed
}

// Filter returns the records for module (all when empty), keeping only the
// last limit entries when limit > 0.
func (l *Log) Filter(module string, limit int) []ActionRecord {
	var out []ActionRecord
	for _, a := range l.Actions {
		if module != "" && a.Module != module {
			continue
		}
		out = append(out, a)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Marshal renders the log as indented JSON with a trailing newline. HTML
// characters are left unescaped so the redaction marker stays readable.
func (l *Log) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the log to path atomically: the document goes to a temporary
// file in the same directory, is synced, and is then renamed over path.
func Save(path string, l *Log) error {
	data, err := l.Marshal()
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename audit log: %w", err)
	}
	return nil
}

// Load reads a persisted log.
func Load(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse audit log %s: %w", path, err)
	}
	return &l, nil
}

// RunPath returns the file name a run started at started with runID is
// recorded under inside dir. Names sort chronologically.
func RunPath(dir, runID string, started time.Time) string {
	name := started.UTC().Format("20060102T150405Z")
	if runID != "" {
		name += "-" + runID
	}
	return filepath.Join(dir, name+".json")
}

// Latest returns the most recent log file in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
