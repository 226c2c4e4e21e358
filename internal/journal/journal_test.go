package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	j, err := NewFileJournal(path)
	require.NoError(t, err)

	require.NoError(t, j.Append(SwingConfirmed, map[string]any{"symbol": "NIFTY06FEB2624200CE", "price": "130.00"}))
	require.NoError(t, j.Append(OrderPlaced, map[string]any{"symbol": "NIFTY06FEB2624200CE", "limit": "129.95"}))

	var kinds []EventKind
	require.NoError(t, j.Replay(func(e Entry) error {
		kinds = append(kinds, e.Kind)
		return nil
	}))

	assert.Equal(t, []EventKind{SwingConfirmed, OrderPlaced}, kinds)
	require.NoError(t, j.Close())
}

func TestNullJournal_DiscardsEntries(t *testing.T) {
	var j NullJournal
	assert.NoError(t, j.Append(RiskHalt, map[string]any{"reason": "daily_target"}))
	assert.NoError(t, j.Replay(func(Entry) error { return nil }))
}
