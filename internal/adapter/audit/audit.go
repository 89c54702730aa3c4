// Package audit keeps an append-only JSONL trail of the actions the assistant
// took on behalf of users.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/tracer"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindToolCall           Kind = "tool_call"
	KindGroundingViolation Kind = "grounding_violation"
)

// Outcome values of an entry.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one line of the audit trail.
type Entry struct {
	Timestamp      time.Time        `json:"timestamp"`
	Kind           Kind             `json:"kind"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Tool           string           `json:"tool"`
	CallID         string           `json:"call_id,omitempty"`
	Risk           domain.RiskLevel `json:"risk_level,omitempty"`
	Outcome        string           `json:"outcome"`
	Error          string           `json:"error,omitempty"`
	Missing        []string         `json:"missing,omitempty"`
}

// RetentionPolicy controls how long entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileLogger appends entries to a JSONL file.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	logger    *slog.Logger
}

// Open opens or creates the trail at path with 0600 permissions.
func Open(path string, logger *slog.Logger) (*FileLogger, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, path: path, logger: logger}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// SetRetention configures the policy EnforceRetention applies.
func (a *FileLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes e as a single JSON line and mirrors it onto the active span.
func (a *FileLogger) Log(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return domain.WrapOp("FileLogger.Log", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.WrapOp("FileLogger.Log", err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.tool", e.Tool),
			tracer.StringAttr("audit.outcome", e.Outcome),
		}
		if e.Risk != "" {
			attrs = append(attrs, tracer.StringAttr("audit.risk_level", string(e.Risk)))
		}
		span.AddEvent("audit."+string(e.Kind), trace.WithAttributes(attrs...))
	}
	return nil
}

// Subscribe records strict-tier tool calls, failed tool calls and grounding
// violations published on bus. It returns the unsubscribe function.
func (a *FileLogger) Subscribe(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		entry, ok := entryFor(ev)
		if !ok {
			return
		}
		if err := a.Log(ctx, entry); err != nil {
			a.logger.Warn("audit write failed", "event", ev.Type, "error", err)
		}
	})
}

func entryFor(ev domain.Event) (Entry, bool) {
	switch ev.Type {
	case domain.EventToolCallCompleted:
		var p domain.ToolCallPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return Entry{}, false
		}
		// Successful low-impact calls are reads and summaries; leave them out.
		if !p.Risk.Strict() && p.Success {
			return Entry{}, false
		}
		outcome := OutcomeSuccess
		if !p.Success {
			outcome = OutcomeFailure
		}
		return Entry{
			Timestamp:      ev.Timestamp.UTC(),
			Kind:           KindToolCall,
			ConversationID: ev.ConversationID,
			Tool:           p.Tool,
			CallID:         p.CallID,
			Risk:           p.Risk,
			Outcome:        outcome,
			Error:          p.Error,
		}, true
	case domain.EventGroundingViolated:
		var p domain.ViolationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return Entry{}, false
		}
		return Entry{
			Timestamp:      ev.Timestamp.UTC(),
			Kind:           KindGroundingViolation,
			ConversationID: ev.ConversationID,
			Tool:           p.Tool,
			Outcome:        OutcomeFailure,
			Missing:        p.Missing,
		}, true
	}
	return Entry{}, false
}

// Close closes the trail file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the trail keeping only entries the retention
// policy allows, oldest dropped first when over size. It is safe to call
// while the logger is in use.
func (a *FileLogger) EnforceRetention(ctx context.Context) (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	kept, keptSize, removed, err := a.readKept(policy)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	werr := writeLines(a.path, kept)

	// Reopen even when the rewrite failed so later entries are not lost.
	f, err := openAppend(a.path)
	if err != nil {
		return 0, fmt.Errorf("reopen after retention: %w", err)
	}
	a.file = f
	if werr != nil {
		return 0, werr
	}
	a.logger.Info("audit retention applied", "removed", removed, "kept", len(kept))
	return removed, nil
}

func (a *FileLogger) readKept(policy *RetentionPolicy) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var head struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &head) == nil && !head.Timestamp.IsZero() && head.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

func writeLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
