package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/usecase/eventbus"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func openTemp(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	a, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestLogAppendsJSONLines(t *testing.T) {
	a, path := openTemp(t)
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, Entry{Kind: KindToolCall, Tool: "send_email", Risk: domain.RiskCritical, Outcome: OutcomeSuccess}))
	require.NoError(t, a.Log(ctx, Entry{Kind: KindToolCall, Tool: "delete_record", Risk: domain.RiskHigh, Outcome: OutcomeFailure, Error: "record not found"}))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "send_email", entries[0].Tool)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "record not found", entries[1].Error)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEntryForFiltersLowImpactSuccesses(t *testing.T) {
	toolEvent := func(p domain.ToolCallPayload) domain.Event {
		raw, _ := json.Marshal(p)
		return domain.Event{Type: domain.EventToolCallCompleted, ConversationID: "c1", Timestamp: time.Now(), Payload: raw}
	}

	_, ok := entryFor(toolEvent(domain.ToolCallPayload{Tool: "search_records", Risk: domain.RiskLow, Success: true}))
	assert.False(t, ok)

	e, ok := entryFor(toolEvent(domain.ToolCallPayload{Tool: "send_email", CallID: "call_1", Risk: domain.RiskCritical, Success: true}))
	require.True(t, ok)
	assert.Equal(t, KindToolCall, e.Kind)
	assert.Equal(t, "c1", e.ConversationID)
	assert.Equal(t, "call_1", e.CallID)
	assert.Equal(t, OutcomeSuccess, e.Outcome)

	e, ok = entryFor(toolEvent(domain.ToolCallPayload{Tool: "search_records", Error: "invalid arguments"}))
	require.True(t, ok)
	assert.Equal(t, OutcomeFailure, e.Outcome)

	raw, _ := json.Marshal(domain.ViolationPayload{Tool: "send_email", Missing: []string{"Email sent to a@b.com"}})
	e, ok = entryFor(domain.Event{Type: domain.EventGroundingViolated, Payload: raw})
	require.True(t, ok)
	assert.Equal(t, KindGroundingViolation, e.Kind)
	assert.Equal(t, []string{"Email sent to a@b.com"}, e.Missing)

	_, ok = entryFor(domain.Event{Type: domain.EventRunCompleted})
	assert.False(t, ok)
}

func TestSubscribeWritesFromBus(t *testing.T) {
	a, path := openTemp(t)
	bus := eventbus.New(nil)
	defer bus.Close()
	unsub := a.Subscribe(bus)
	defer unsub()

	raw, _ := json.Marshal(domain.ToolCallPayload{Tool: "schedule_meeting", Risk: domain.RiskCritical, Success: true})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventToolCallCompleted, Payload: raw})

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, 2*time.Second, 10*time.Millisecond)
	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "schedule_meeting", entries[0].Tool)
}

func TestEnforceRetentionByAge(t *testing.T) {
	a, path := openTemp(t)
	ctx := context.Background()

	require.NoError(t, a.Log(ctx, Entry{Timestamp: time.Now().Add(-48 * time.Hour), Kind: KindToolCall, Tool: "old"}))
	require.NoError(t, a.Log(ctx, Entry{Kind: KindToolCall, Tool: "new"}))

	removed, err := a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "no policy set")

	a.SetRetention(RetentionPolicy{MaxAge: 24 * time.Hour})
	removed, err = a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The logger keeps appending after a rewrite.
	require.NoError(t, a.Log(ctx, Entry{Kind: KindToolCall, Tool: "after"}))
	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Tool)
	assert.Equal(t, "after", entries[1].Tool)
}

func TestEnforceRetentionBySizeDropsOldest(t *testing.T) {
	a, path := openTemp(t)
	ctx := context.Background()
	for _, tool := range []string{"first", "second", "third"} {
		require.NoError(t, a.Log(ctx, Entry{Kind: KindToolCall, Tool: tool}))
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	a.SetRetention(RetentionPolicy{MaxSize: int64(len(data)) - 1})
	removed, err := a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Tool)

	removed, err = a.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "already under the limit")
}
