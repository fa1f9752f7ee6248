package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DocumentStore owns the on-disk files behind one memory document: the
// live MEMORY.md, the dated archive directory, and the inner-state
// summary written by the agent between turns. The embedded lock
// serializes read-modify-write cycles per document identity.
type DocumentStore struct {
	mu sync.RWMutex

	documentPath string
	archiveDir   string
	statePath    string
}

// NewDocumentStore creates a store rooted at the given paths. statePath
// may be empty when no inner-state provider is configured.
func NewDocumentStore(documentPath, archiveDir, statePath string) *DocumentStore {
	return &DocumentStore{
		documentPath: documentPath,
		archiveDir:   archiveDir,
		statePath:    statePath,
	}
}

// DocumentPath returns the path of the live document.
func (s *DocumentStore) DocumentPath() string {
	return s.documentPath
}

// readDocument returns the live document text. A missing file reads as
// an empty document, not an error. Callers must hold the lock.
func (s *DocumentStore) readDocument() (string, error) {
	return readOptional(s.documentPath)
}

// readInnerState returns the inner-state summary, treated as opaque
// text. Callers must hold the lock.
func (s *DocumentStore) readInnerState() (string, error) {
	if s.statePath == "" {
		return "", nil
	}
	return readOptional(s.statePath)
}

// writeDocument atomically replaces the live document: the new content
// is written to a temp file in the same directory and renamed over the
// original, so a crash never leaves a partial document behind. Callers
// must hold the write lock.
func (s *DocumentStore) writeDocument(content string) error {
	dir := filepath.Dir(s.documentPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".memory-*")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}

	if err := os.Rename(tmpName, s.documentPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// appendArchive appends content to the named archive file, creating the
// archive directory and file as needed. Archives are append-only; a
// second compaction on the same day extends the same file. Callers must
// hold the write lock.
func (s *DocumentStore) appendArchive(name, content string) error {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	path := filepath.Join(s.archiveDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("append archive %s: %w", name, err)
	}
	return nil
}

// readOptional reads a file that is allowed to be absent.
func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
