package tool

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"crm-copilot/internal/adapter/store"
	"crm-copilot/internal/domain"
)

// newSeededStore opens a temp database loaded with the demo records.
func newSeededStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = store.Seed(context.Background(), s)
	require.NoError(t, err)
	return s
}

// run executes tool with args and requires a result.
func run(t *testing.T, tool Tool, args string) *domain.ToolExecutionResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}
