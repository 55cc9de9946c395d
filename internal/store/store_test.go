package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestLogMissingFileIsEmpty(t *testing.T) {
	l := NewLog[rec](filepath.Join(t.TempDir(), "nope.jsonl"))
	got, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLogAppendAndRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.jsonl")
	l := NewLog[rec](path)

	require.NoError(t, l.Append(rec{ID: "a", Status: "pending"}))
	require.NoError(t, l.Append(rec{ID: "b", Status: "pending"}))

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got[0].Status = "completed"
	require.NoError(t, l.RewriteAll(got))

	again, err := l.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []rec{{ID: "a", Status: "completed"}, {ID: "b", Status: "pending"}}, again)
}

func TestLogMalformedLineNamesLocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n{oops\n"), 0o644))

	_, err := NewLog[rec](path).ReadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl:2")
}

func TestLogSkipsBlankLinesAndRepairsMissingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n{\"id\":\"a\"}"), 0o644))

	l := NewLog[rec](path)
	require.NoError(t, l.Append(rec{ID: "b"}))

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, WriteText(path, "one"))
	require.NoError(t, WriteText(path, "two"))

	text, ok, err := ReadText(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", text)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadJSONMissingAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	var v []rec
	ok, err := ReadJSON(path, &v)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WriteJSON(path, []rec{{ID: "x", Status: "draft"}}))
	ok, err = ReadJSON(path, &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []rec{{ID: "x", Status: "draft"}}, v)

	exists, err := Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)
}
