package memory

import (
	"strings"
	"testing"
)

func TestParseSections(t *testing.T) {
	t.Run("empty document yields no sections", func(t *testing.T) {
		if got := ParseSections(""); len(got) != 0 {
			t.Fatalf("expected no sections, got %d", len(got))
		}
	})

	t.Run("text before first marker is discarded", func(t *testing.T) {
		doc := "# Memory\npreamble text\n\n## Identity\nI am Moby.\n"
		sections := ParseSections(doc)
		if len(sections) != 1 {
			t.Fatalf("expected 1 section, got %d", len(sections))
		}
		if sections[0].Header != "Identity" {
			t.Errorf("expected header 'Identity', got %q", sections[0].Header)
		}
		if sections[0].Body != "I am Moby." {
			t.Errorf("expected body 'I am Moby.', got %q", sections[0].Body)
		}
	})

	t.Run("sections keep document order", func(t *testing.T) {
		doc := "## One\na\n\n## Two\nb\n\n## Three\nc\n"
		sections := ParseSections(doc)
		if len(sections) != 3 {
			t.Fatalf("expected 3 sections, got %d", len(sections))
		}
		for i, want := range []string{"One", "Two", "Three"} {
			if sections[i].Header != want {
				t.Errorf("section %d: expected header %q, got %q", i, want, sections[i].Header)
			}
		}
	})

	t.Run("body trimmed of surrounding blank lines", func(t *testing.T) {
		doc := "## Notes\n\n\nline one\nline two\n\n\n## Next\nx\n"
		sections := ParseSections(doc)
		if sections[0].Body != "line one\nline two" {
			t.Errorf("unexpected body %q", sections[0].Body)
		}
	})

	t.Run("header-only section has empty body", func(t *testing.T) {
		sections := ParseSections("## Lonely Header")
		if len(sections) != 1 {
			t.Fatalf("expected 1 section, got %d", len(sections))
		}
		if sections[0].Body != "" {
			t.Errorf("expected empty body, got %q", sections[0].Body)
		}
	})

	t.Run("level-3 headings do not split", func(t *testing.T) {
		doc := "## Parent\nintro\n### Child\ndetail\n"
		sections := ParseSections(doc)
		if len(sections) != 1 {
			t.Fatalf("expected 1 section, got %d", len(sections))
		}
		if !strings.Contains(sections[0].Body, "### Child") {
			t.Errorf("expected child heading inside body, got %q", sections[0].Body)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty text: expected 0 tokens, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars: expected 1 token, got %d", got)
	}

	// Monotonic: appending never lowers the estimate.
	s := "some memory text"
	for i := 0; i < 50; i++ {
		before := EstimateTokens(s)
		s += "x"
		if after := EstimateTokens(s); after < before {
			t.Fatalf("estimate dropped from %d to %d at length %d", before, after, len(s))
		}
	}
}
