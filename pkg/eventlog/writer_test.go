package eventlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Record(DirOutbound, "micro_propose", "round-1", "alpha", `{"kind":"micro_propose"}`))
	require.NoError(t, w.Record(DirInbound, "resolved", "round-1", "beta", `{"kind":"resolved"}`))
	require.NoError(t, w.Sync())

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, DirOutbound, entries[0].Direction)
	assert.Equal(t, "micro_propose", entries[0].Kind)
	assert.Equal(t, "round-1", entries[0].RoundID)
	assert.Equal(t, "alpha", entries[0].Speaker)
	assert.Equal(t, DirInbound, entries[1].Direction)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestWriterTruncatesPayload(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	long := strings.Repeat("x", 1000)
	require.NoError(t, w.Record(DirInbound, "inform", "", "beta", long))

	entries, err := ReadEntries(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Summary, summaryMax)
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Record(DirInbound, "status", "", "beta", "ok"))
	require.NoError(t, w.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())
}
