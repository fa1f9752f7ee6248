package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config carries the engine settings that were process-wide constants in
// earlier revisions. It is set once at construction and never mutated.
type Config struct {
	// DefaultBudgetTokens is used when a caller omits the budget.
	DefaultBudgetTokens int

	// Now supplies the reference timestamp for recency scoring and
	// archive naming. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{DefaultBudgetTokens: 4000}
}

// Engine is the entry point for both compaction paths: budget-packed
// context assembly and archival of finished tasks. All read-modify-write
// access to the backing document is serialized here; context builds may
// run concurrently with each other but never overlap a compaction write.
type Engine struct {
	store  *DocumentStore
	config Config
}

// NewEngine creates an engine over the given document store.
func NewEngine(store *DocumentStore, config Config) *Engine {
	if config.DefaultBudgetTokens <= 0 {
		config.DefaultBudgetTokens = DefaultConfig().DefaultBudgetTokens
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{store: store, config: config}
}

// SectionMeta reports the score and token estimate of one included
// section, for observability. Scores are transient and never persisted.
type SectionMeta struct {
	Header string `json:"header"`
	Score  int    `json:"score"`
	Tokens int    `json:"tokens"`
}

// ContextResult is the outcome of a budget-packed context build.
type ContextResult struct {
	Sections         []SectionMeta `json:"sections"`
	TotalTokens      int           `json:"total_tokens"`
	BudgetTokens     int           `json:"budget_tokens"`
	SectionsIncluded int           `json:"sections_included"`
	SectionsTotal    int           `json:"sections_total"`
	SectionsPruned   int           `json:"sections_pruned"`
	Context          string        `json:"context"`
}

// BuildContext reads the live document and inner state and assembles a
// context that fits the token budget. A budget of zero or less selects
// the configured default. A missing document is treated as empty, never
// as an error.
func (e *Engine) BuildContext(query string, budget int) (*ContextResult, error) {
	if budget <= 0 {
		budget = e.config.DefaultBudgetTokens
	}

	e.store.mu.RLock()
	defer e.store.mu.RUnlock()

	doc, err := e.store.readDocument()
	if err != nil {
		return nil, err
	}
	innerState, err := e.store.readInnerState()
	if err != nil {
		return nil, err
	}

	result := OptimizeContext(doc, innerState, query, budget, e.config.Now())

	log.Debug().
		Int("budget", budget).
		Int("total_tokens", result.TotalTokens).
		Int("included", result.SectionsIncluded).
		Int("pruned", result.SectionsPruned).
		Msg("memory context built")

	return result, nil
}

// OptimizeContext is the pure core of the budget packer: it parses,
// scores, selects, and reassembles without touching any storage. The
// reference timestamp is captured once by the caller so every section
// sees the same "today".
func OptimizeContext(doc, innerState, query string, budget int, ref time.Time) *ContextResult {
	sections := ParseSections(doc)
	terms := tokenizeQuery(query)

	type scored struct {
		Section
		score  int
		tokens int
	}

	all := make([]scored, len(sections))
	for i, sec := range sections {
		all[i] = scored{
			Section: sec,
			score:   scoreSection(sec, terms, ref),
			tokens:  EstimateTokens(sec.Text()),
		}
	}

	// Stable sort keeps canonical order among equal scores.
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	// Greedy selection. The first section is taken even if it alone
	// exceeds the budget, and a skipped section does not stop the scan:
	// a later, smaller section may still fit.
	total := 0
	var included []scored
	for _, s := range all {
		if total == 0 || total+s.tokens <= budget {
			included = append(included, s)
			total += s.tokens
		}
	}

	// Restore canonical document order before assembly; on duplicate
	// headers the first occurrence wins as the position key.
	headerPos := make(map[string]int, len(sections))
	for i, sec := range sections {
		if _, seen := headerPos[sec.Header]; !seen {
			headerPos[sec.Header] = i
		}
	}
	sort.SliceStable(included, func(i, j int) bool {
		return headerPos[included[i].Header] < headerPos[included[j].Header]
	})

	result := &ContextResult{
		Sections:         make([]SectionMeta, 0, len(included)),
		BudgetTokens:     budget,
		SectionsIncluded: len(included),
		SectionsTotal:    len(sections),
		SectionsPruned:   len(sections) - len(included),
	}

	parts := make([]string, 0, len(included)+1)
	if innerState != "" {
		// The inner state block is always present and never counts
		// against the budget, only against the reported total.
		block := "## Inner State\n" + innerState
		parts = append(parts, block)
		total += EstimateTokens(block)
	}
	for _, s := range included {
		parts = append(parts, s.Text())
		result.Sections = append(result.Sections, SectionMeta{
			Header: s.Header,
			Score:  s.score,
			Tokens: s.tokens,
		})
	}

	result.TotalTokens = total
	result.Context = strings.Join(parts, "\n\n")
	return result
}

// Document returns the current live document text.
func (e *Engine) Document() (string, error) {
	e.store.mu.RLock()
	defer e.store.mu.RUnlock()
	return e.store.readDocument()
}

// ReplaceDocument rewrites the live document in full.
func (e *Engine) ReplaceDocument(content string) error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.store.writeDocument(content)
}
