package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const compactDoc = `# MEMORY

## Identity
I am Moby.

## Active Task (alpha rollout)
**Status:** DONE
Shipped on 2026-03-01.

## Active Task (beta migration)
**Status:** IN PROGRESS
Halfway through the schema changes.

## Active Task (gamma cleanup)
**Status:** CANCELLED
Descoped after review.
`

func TestCompress(t *testing.T) {
	engine, dir := newTestEngine(t)
	require.NoError(t, engine.ReplaceDocument(compactDoc))

	res, err := engine.Compress()
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, "2026-03-10-tasks.md", res.ArchiveFile)

	doc, err := engine.Document()
	require.NoError(t, err)

	t.Run("terminal tasks removed from live document", func(t *testing.T) {
		assert.NotContains(t, doc, "alpha rollout")
		assert.NotContains(t, doc, "gamma cleanup")
	})

	t.Run("in-progress task intact byte for byte", func(t *testing.T) {
		assert.Contains(t, doc,
			"## Active Task (beta migration)\n**Status:** IN PROGRESS\nHalfway through the schema changes.")
	})

	t.Run("other sections untouched", func(t *testing.T) {
		assert.Contains(t, doc, "## Identity\nI am Moby.")
	})

	t.Run("no triple blank lines left behind", func(t *testing.T) {
		assert.NotContains(t, doc, "\n\n\n")
	})

	t.Run("archive holds the removed sections", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(dir, "archives", "2026-03-10-tasks.md"))
		require.NoError(t, err)
		archived := string(data)
		assert.Contains(t, archived, "## Active Task (alpha rollout)\n**Status:** DONE")
		assert.Contains(t, archived, "## Active Task (gamma cleanup)\n**Status:** CANCELLED")
		assert.NotContains(t, archived, "beta migration")
	})

	t.Run("idempotent on a second run", func(t *testing.T) {
		res, err := engine.Compress()
		require.NoError(t, err)
		assert.Zero(t, res.Archived)
		assert.Empty(t, res.ArchiveFile)

		after, err := engine.Document()
		require.NoError(t, err)
		assert.Equal(t, doc, after)
	})
}

func TestCompressSameDayAppends(t *testing.T) {
	engine, dir := newTestEngine(t)

	first := "## Active Task (one)\n**Status:** DONE\nFirst batch.\n"
	require.NoError(t, engine.ReplaceDocument(first))
	_, err := engine.Compress()
	require.NoError(t, err)

	second := "## Active Task (two)\n**Status:** CANCELLED\nSecond batch.\n"
	require.NoError(t, engine.ReplaceDocument(second))
	_, err = engine.Compress()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "archives", "2026-03-10-tasks.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Active Task (one)")
	assert.Contains(t, string(data), "Active Task (two)")
}

func TestCompressEmptyDocument(t *testing.T) {
	engine, dir := newTestEngine(t)

	res, err := engine.Compress()
	require.NoError(t, err)
	assert.Zero(t, res.Archived)

	// Nothing to archive means nothing is written.
	if _, err := os.Stat(filepath.Join(dir, "archives")); !os.IsNotExist(err) {
		t.Errorf("archive directory should not exist after a no-op compaction")
	}
	if _, err := os.Stat(filepath.Join(dir, "MEMORY.md")); !os.IsNotExist(err) {
		t.Errorf("live document should not be created by a no-op compaction")
	}
}

func TestIsArchivable(t *testing.T) {
	cases := []struct {
		name   string
		header string
		body   string
		want   bool
	}{
		{"done", "Active Task (x)", "**Status:** DONE\nnotes", true},
		{"cancelled", "Active Task (x)", "**Status:** CANCELLED", true},
		{"in progress", "Active Task (x)", "**Status:** IN PROGRESS", false},
		{"lowercase keyword", "Active Task (x)", "**Status:** done", false},
		{"status not first line", "Active Task (x)", "notes\n**Status:** DONE", false},
		{"trailing text on status line", "Active Task (x)", "**Status:** DONE for real", false},
		{"wrong header type", "Research (x)", "**Status:** DONE", false},
		{"empty parens", "Active Task ()", "**Status:** DONE", false},
		{"no parens", "Active Task", "**Status:** DONE", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := isArchivable(Section{Header: tc.header, Body: tc.body})
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCompressPreservesSurroundings(t *testing.T) {
	engine, _ := newTestEngine(t)

	doc := strings.Join([]string{
		"## Projects",
		"dashboard, gateway",
		"",
		"## Active Task (mid)",
		"**Status:** DONE",
		"done work",
		"",
		"## Research",
		"notes after",
		"",
	}, "\n")
	require.NoError(t, engine.ReplaceDocument(doc))

	_, err := engine.Compress()
	require.NoError(t, err)

	after, err := engine.Document()
	require.NoError(t, err)
	assert.Contains(t, after, "## Projects\ndashboard, gateway")
	assert.Contains(t, after, "## Research\nnotes after")
	assert.NotContains(t, after, "Active Task (mid)")
}
