// Package memory implements the context compaction engine for the agent's
// long-lived MEMORY.md document. It parses the document into sections,
// scores them for relevance, packs the best subset into a token budget,
// and archives finished task entries into dated archive files.
package memory

import "strings"

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers and
// is deliberately not a real tokenizer.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
// It is monotonic in text length and returns zero for empty text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// Section is a header+body unit of the memory document, delimited by
// level-2 headings. Sections are ordered by their position in the source
// document; that ordering is the canonical order.
type Section struct {
	Header string `json:"header"`
	Body   string `json:"body"`

	// Byte offsets of the full section span in the source document.
	// The archival compactor uses them to splice sections out without
	// disturbing surrounding content.
	start int
	end   int
}

// Text renders the section back to its markdown form.
func (s Section) Text() string {
	return "## " + s.Header + "\n" + s.Body
}

const sectionMarker = "## "

// ParseSections splits a document into its ordered sections. A line
// beginning with "## " starts a new section; the remainder of that line
// (trimmed) is the header, and all following lines up to the next marker
// or end of input form the body, with surrounding blank lines trimmed.
// Text before the first marker is not a section and is discarded. An
// empty document yields no sections.
func ParseSections(doc string) []Section {
	if doc == "" {
		return nil
	}

	// Locate every marker line first so each section knows where the
	// next one begins.
	var starts []int
	offset := 0
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, sectionMarker) {
			starts = append(starts, offset)
		}
		offset += len(line) + 1
	}
	if len(starts) == 0 {
		return nil
	}

	sections := make([]Section, 0, len(starts))
	for i, start := range starts {
		// The span runs up to (exclusive of) the newline that precedes
		// the next marker line, or to end of document.
		end := len(doc)
		if i+1 < len(starts) {
			end = starts[i+1]
			if end > 0 && doc[end-1] == '\n' {
				end--
			}
		}

		span := doc[start+len(sectionMarker) : end]
		header, body, found := strings.Cut(span, "\n")

		sec := Section{
			Header: strings.TrimSpace(header),
			start:  start,
			end:    end,
		}
		if found {
			sec.Body = strings.TrimSpace(body)
		}
		sections = append(sections, sec)
	}

	return sections
}
