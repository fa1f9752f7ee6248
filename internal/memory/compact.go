package memory

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Terminal status lines. The keyword is case-sensitive: a task is only
// archivable once its status line reads exactly DONE or CANCELLED.
const (
	statusLineDone      = "**Status:** DONE"
	statusLineCancelled = "**Status:** CANCELLED"
)

// CompressResult reports an archival compaction.
type CompressResult struct {
	Archived    int    `json:"archived"`
	ArchiveFile string `json:"archive_file,omitempty"`
}

// blankRuns matches 3-or-more consecutive newlines left behind where
// sections were removed.
var blankRuns = regexp.MustCompile(`\n{3,}`)

// Compress permanently moves finished "Active Task" sections from the
// live document into the dated archive for the current UTC day, then
// rewrites the live document. Repeated runs on the same day append to
// the same archive file. With nothing to archive, no file is touched.
func (e *Engine) Compress() (*CompressResult, error) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	doc, err := e.store.readDocument()
	if err != nil {
		return nil, err
	}

	matches := archivableSections(doc)
	if len(matches) == 0 {
		return &CompressResult{}, nil
	}

	var archived strings.Builder
	for _, sec := range matches {
		archived.WriteString(strings.TrimSpace(doc[sec.start:sec.end]))
		archived.WriteString("\n\n")
	}

	name := e.config.Now().UTC().Format("2006-01-02") + "-tasks.md"
	if err := e.store.appendArchive(name, archived.String()); err != nil {
		return nil, err
	}

	// Splice matches out in reverse start order so earlier removals do
	// not invalidate the remaining offsets.
	for i := len(matches) - 1; i >= 0; i-- {
		doc = doc[:matches[i].start] + doc[matches[i].end:]
	}
	doc = blankRuns.ReplaceAllString(doc, "\n\n")

	if err := e.store.writeDocument(doc); err != nil {
		return nil, err
	}

	log.Info().
		Int("archived", len(matches)).
		Str("archive_file", name).
		Msg("memory compacted")

	return &CompressResult{Archived: len(matches), ArchiveFile: name}, nil
}

// archivableSections returns, in document order, the sections eligible
// for archival: an "Active Task (...)" header whose first body line is a
// terminal status. In-progress and todo tasks, and every other header
// type, are left untouched.
func archivableSections(doc string) []Section {
	var matches []Section
	for _, sec := range ParseSections(doc) {
		if isArchivable(sec) {
			matches = append(matches, sec)
		}
	}
	return matches
}

func isArchivable(sec Section) bool {
	const prefix = "Active Task ("
	if !strings.HasPrefix(sec.Header, prefix) || !strings.HasSuffix(sec.Header, ")") {
		return false
	}
	inner := sec.Header[len(prefix) : len(sec.Header)-1]
	if inner == "" || strings.Contains(inner, ")") {
		return false
	}

	firstLine, _, _ := strings.Cut(sec.Body, "\n")
	firstLine = strings.TrimSpace(firstLine)
	return firstLine == statusLineDone || firstLine == statusLineCancelled
}
