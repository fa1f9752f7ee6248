package memory

import (
	"regexp"
	"strings"
	"time"
)

// alwaysIncludeScore is assigned to sections that must survive every
// compaction pass, ahead of anything the additive rules can produce.
const alwaysIncludeScore = 1000

// alwaysIncludeHeaders are matched case-insensitively against the header.
var alwaysIncludeHeaders = []string{"identity", "user", "preferences"}

// scoreRule is one additive scoring rule. Rules sharing a non-zero group
// form an if/elif chain: only the first matching rule of the group fires.
// Group-zero rules are independent and may all fire.
type scoreRule struct {
	group int
	match func(header, body string) bool
	delta func(header, body string) int
}

const (
	groupStatus = 1
	groupKind   = 2
)

func fixed(n int) func(string, string) int {
	return func(string, string) int { return n }
}

func bodyHas(sub string) func(string, string) bool {
	return func(_, body string) bool { return strings.Contains(body, sub) }
}

func bodyHasAny(subs ...string) func(string, string) bool {
	return func(_, body string) bool {
		for _, sub := range subs {
			if strings.Contains(body, sub) {
				return true
			}
		}
		return false
	}
}

func headerHasAny(subs ...string) func(string, string) bool {
	return func(header, _ string) bool {
		for _, sub := range subs {
			if strings.Contains(header, sub) {
				return true
			}
		}
		return false
	}
}

// scoreRules is evaluated top to bottom; inputs are lower-cased.
var scoreRules = []scoreRule{
	// Status block: only one branch fires.
	{groupStatus, bodyHas("in progress"), fixed(200)},
	{groupStatus, bodyHasAny("status:** todo", "status:** planned"), fixed(100)},
	{groupStatus, bodyHas("status:** done"), fixed(10)},
	{groupStatus, bodyHas("status:** cancelled"), fixed(5)},

	// Section-type block: only one branch fires. An active task still in
	// progress outranks a completed task journal entry.
	{groupKind, headerHasAny("active task"), func(_, body string) int {
		if strings.Contains(body, "in progress") {
			return 300
		}
		return 20
	}},
	{groupKind, headerHasAny("sprint", "planned"), fixed(80)},
	{groupKind, headerHasAny("projects"), fixed(90)},
	{groupKind, headerHasAny("research"), fixed(30)},
	{groupKind, headerHasAny("feature", "ideas"), fixed(25)},
}

// isoDatePattern extracts YYYY-MM-DD substrings for recency scoring.
// ISO dates sort lexicographically, so the maximal match is the latest.
var isoDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// recencyScanLimit bounds how far into the body the recency rule looks.
const recencyScanLimit = 200

// largeBodyThreshold is the body size beyond which a section is penalized.
const largeBodyThreshold = 2000

// scoreSection assigns a relevance score to one section. Terms must be
// lower-cased query words; ref is the reference timestamp captured once
// per compaction call so "today" stays consistent across sections.
func scoreSection(sec Section, terms []string, ref time.Time) int {
	header := strings.ToLower(sec.Header)
	body := strings.ToLower(sec.Body)

	// Identity/user/preference sections are always top-ranked; no other
	// rule applies to them.
	for _, h := range alwaysIncludeHeaders {
		if strings.Contains(header, h) {
			return alwaysIncludeScore
		}
	}

	score := 0
	fired := map[int]bool{}
	for _, rule := range scoreRules {
		if rule.group != 0 && fired[rule.group] {
			continue
		}
		if rule.match(header, body) {
			score += rule.delta(header, body)
			fired[rule.group] = true
		}
	}

	score += recencyScore(sec, ref)

	// Query overlap: duplicates in the term list count multiple times.
	haystack := header + body
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			score += 40
		}
	}

	if len(sec.Body) > largeBodyThreshold {
		score -= 10
	}

	return score
}

// recencyScore rewards sections mentioning recent dates. Malformed or
// absent dates contribute nothing and never error.
func recencyScore(sec Section, ref time.Time) int {
	scan := sec.Body
	if len(scan) > recencyScanLimit {
		scan = scan[:recencyScanLimit]
	}

	var latest string
	for _, m := range isoDatePattern.FindAllString(sec.Header+scan, -1) {
		if m > latest {
			latest = m
		}
	}
	if latest == "" {
		return 0
	}

	today := ref.Format("2006-01-02")
	switch {
	case latest == today:
		return 50
	case latest >= today:
		return 30
	}
	return 0
}

// queryTermPattern splits a query on non-word-character boundaries.
var queryTermPattern = regexp.MustCompile(`\W+`)

// tokenizeQuery lowers the query and keeps words longer than two
// characters; short words are too noisy to score on.
func tokenizeQuery(query string) []string {
	var terms []string
	for _, w := range queryTermPattern.Split(strings.ToLower(query), -1) {
		if len(w) > 2 {
			terms = append(terms, w)
		}
	}
	return terms
}
