package events

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Unix(1_700_000_000, 0).UTC()
}

func TestLogChaining(t *testing.T) {
	l := NewLog().WithClock(fixedClock)

	seq, err := l.Append(TypeAdapterSet, map[string]any{"id": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = l.Append(TypeExecuted, map[string]any{"success": true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	first, err := l.Get(1)
	require.NoError(t, err)
	second, err := l.Get(2)
	require.NoError(t, err)

	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.ContentHash, second.PrevHash)
	assert.Equal(t, second.ContentHash, l.Head())
	require.NoError(t, l.Verify())
}

func TestLogVerifyDetectsTampering(t *testing.T) {
	l := NewLog().WithClock(fixedClock)
	for i := 0; i < 5; i++ {
		_, err := l.Append(TypeExecuted, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Verify())

	l.entries[2].Data["n"] = float64(99)
	err := l.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 3")
}

func TestLogGetAndSince(t *testing.T) {
	l := NewLog().WithClock(fixedClock)
	_, err := l.Get(1)
	require.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < 3; i++ {
		_, err := l.Append(TypeChainSet, map[string]any{"idx": float64(i)})
		require.NoError(t, err)
	}

	assert.Len(t, l.Since(0), 3)
	tail := l.Since(2)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Sequence)
	assert.Nil(t, l.Since(3))
}

func TestLogRecordSink(t *testing.T) {
	// Record satisfies the registry sink contract: no error surface.
	l := NewLog().WithClock(fixedClock)
	l.Record(TypeAdapterFrozen, map[string]any{"id": float64(7)})
	assert.Equal(t, 1, l.Len())
}

func TestLogReplayRestoresChain(t *testing.T) {
	l := NewLog().WithClock(fixedClock)
	for i := 0; i < 4; i++ {
		_, err := l.Append(TypeExecuted, map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	restored := NewLog().WithClock(fixedClock)
	require.NoError(t, restored.Replay(l.Since(0)))
	assert.Equal(t, l.Head(), restored.Head())
	require.NoError(t, restored.Verify())

	// Appends continue the restored chain.
	_, err := restored.Append(TypeExecuted, map[string]any{"n": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, 5, restored.Len())
	require.NoError(t, restored.Verify())

	// Tampered mirrors are rejected.
	entries := l.Since(0)
	entries[1].Data["n"] = float64(99)
	err = NewLog().Replay(entries)
	require.Error(t, err)

	// Replay never overwrites live state.
	require.Error(t, restored.Replay(l.Since(0)))
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer db.Close()

	sink, err := NewSQLiteSink(db)
	require.NoError(t, err)

	l := NewLog().WithClock(fixedClock).WithSink(sink)
	_, err = l.Append(TypeExecuted, map[string]any{"success": true})
	require.NoError(t, err)
	_, err = l.Append(TypeWorkflowPaused, map[string]any{"step": float64(2)})
	require.NoError(t, err)

	stored, err := sink.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, l.Head(), stored[1].ContentHash)
	assert.Equal(t, map[string]any{"step": float64(2)}, stored[1].Data)
}
