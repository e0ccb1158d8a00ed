// Package budget prepares stage inputs that fit a tier's context budget.
//
// Trimming is structural: when a section is over its share, lines are ranked
// (fences, signatures and headings first, then body, then comments, then blank
// lines) and admitted by rank then position. Kept lines are emitted in their
// original order and every removed run is replaced by a single marker line.
package budget

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/cache"
	"SnippetAI/internal/config"
)

const (
	charsPerToken = 4
	promptHeader  = "ORIGINAL PROMPT:\n"
	promptTrimmed = "\n… (prompt truncated)"
	memoSize      = 256
)

// Section is labelled prior-stage output
type Section struct {
	Label string
	Text  string
}

// Input is the material for the next stage
type Input struct {
	Prompt   string
	Sections []Section
}

// Budgeter trims stage input to a per-tier token budget. Prepare is pure; the
// memo only avoids recomputation.
type Budgeter struct {
	budgets   map[string]int
	minPrompt int
	memo      *lru.Cache[string, string]
}

// New creates a budgeter from per-tier token budgets
func New(budgets map[string]int, minPromptTokens int) *Budgeter {
	// lru.New only fails for a non-positive size
	memo, _ := lru.New[string, string](memoSize)
	b := &Budgeter{
		budgets:   make(map[string]int, len(budgets)),
		minPrompt: minPromptTokens,
		memo:      memo,
	}
	for tier, tokens := range budgets {
		b.budgets[tier] = tokens
	}
	return b
}

// FromConfig creates a budgeter from the tier configuration
func FromConfig(cfg *config.Config) *Budgeter {
	budgets := make(map[string]int, len(cfg.Tiers))
	for name, tier := range cfg.Tiers {
		budgets[name] = tier.ContextTokens
	}
	return New(budgets, cfg.Budget.MinPromptTokens)
}

// EstimateTokens approximates the token count of text
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Prepare lays out the prompt and sections within the tier's budget
func (b *Budgeter) Prepare(in Input, tier string) (string, error) {
	tokens, ok := b.budgets[tier]
	if !ok || tokens <= 0 {
		return "", aierr.New(aierr.KindContextBudgetExceeded, "no context budget configured for tier %q", tier)
	}

	key := b.key(in, tier, tokens)
	if out, ok := b.memo.Get(key); ok {
		return out, nil
	}
	out, err := b.prepare(in, tokens*charsPerToken)
	if err != nil {
		return "", err
	}
	b.memo.Add(key, out)
	return out, nil
}

func (b *Budgeter) key(in Input, tier string, tokens int) string {
	parts := make([]string, 0, 4+2*len(in.Sections))
	parts = append(parts, tier, strconv.Itoa(tokens), strconv.Itoa(b.minPrompt), in.Prompt)
	for _, s := range in.Sections {
		parts = append(parts, s.Label, s.Text)
	}
	return cache.Key(parts...)
}

func (b *Budgeter) prepare(in Input, limit int) (string, error) {
	headers := len(promptHeader)
	need := 0
	for _, s := range in.Sections {
		headers += len(sectionHeader(s.Label))
		need += len(s.Text)
	}

	promptMin := len(in.Prompt)
	if minChars := b.minPrompt * charsPerToken; promptMin > minChars {
		promptMin = minChars
	}
	if headers+promptMin > limit {
		return "", aierr.New(aierr.KindContextBudgetExceeded,
			"mandatory content needs %d tokens but the budget is %d", (headers+promptMin+charsPerToken-1)/charsPerToken, limit/charsPerToken)
	}

	avail := limit - headers
	promptKeep := len(in.Prompt)
	if promptKeep > avail-need {
		promptKeep = max(promptMin, avail-need)
	}
	prompt := truncatePrompt(in.Prompt, promptKeep)

	var sb strings.Builder
	sb.WriteString(promptHeader)
	sb.WriteString(prompt)

	alloc := shares(in.Sections, avail-len(prompt))
	for i, s := range in.Sections {
		sb.WriteString(sectionHeader(s.Label))
		sb.WriteString(trimSection(s.Text, alloc[i]))
	}
	return sb.String(), nil
}

// shares splits total equally across sections. Sections shorter than their share
// take only what they need and the rest is split among the others.
func shares(sections []Section, total int) []int {
	order := make([]int, len(sections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(sections[order[a]].Text) < len(sections[order[b]].Text)
	})

	out := make([]int, len(sections))
	remaining := total
	for j, i := range order {
		share := remaining / (len(order) - j)
		if n := len(sections[i].Text); n < share {
			share = n
		}
		out[i] = share
		remaining -= share
	}
	return out
}

// Fits reports whether in is laid out within the tier's budget without trimming
func (b *Budgeter) Fits(in Input, tier string) bool {
	tokens, ok := b.budgets[tier]
	if !ok {
		return false
	}
	n := len(promptHeader) + len(in.Prompt)
	for _, s := range in.Sections {
		n += len(sectionHeader(s.Label)) + len(s.Text)
	}
	return n <= tokens*charsPerToken
}

func sectionHeader(label string) string {
	return "\n\n" + strings.ToUpper(label) + ":\n"
}

// truncatePrompt keeps the head of prompt so that the result is at most n bytes
func truncatePrompt(prompt string, n int) string {
	if len(prompt) <= n {
		return prompt
	}
	head := n - len(promptTrimmed)
	if head <= 0 {
		return safePrefix(prompt, n)
	}
	return safePrefix(prompt, head) + promptTrimmed
}

func safePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func marker(n int) string {
	return fmt.Sprintf("… (%d lines trimmed)", n)
}

// markerCost is the byte cost of a marker line replacing n lines
func markerCost(n int) int {
	if n <= 0 {
		return 0
	}
	return len(marker(n)) + 1
}

// trimSection fits text into limit bytes
func trimSection(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	lines := strings.Split(text, "\n")
	if limit < markerCost(len(lines)) {
		return ""
	}

	ranks := rankLines(lines)
	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ranks[order[a]] < ranks[order[b]]
	})

	kept := make([]bool, len(lines))
	cost := markerCost(len(lines))
	for _, i := range order {
		// the removed run containing i is split in two
		lo, hi := i, i
		for lo > 0 && !kept[lo-1] {
			lo--
		}
		for hi < len(lines)-1 && !kept[hi+1] {
			hi++
		}
		delta := len(lines[i]) + 1 - markerCost(hi-lo+1) + markerCost(i-lo) + markerCost(hi-i)
		if cost+delta > limit+1 {
			continue
		}
		kept[i] = true
		cost += delta
	}

	out := make([]string, 0, len(lines))
	removed := 0
	for i, line := range lines {
		if kept[i] {
			if removed > 0 {
				out = append(out, marker(removed))
				removed = 0
			}
			out = append(out, line)
			continue
		}
		removed++
	}
	if removed > 0 {
		out = append(out, marker(removed))
	}
	return strings.Join(out, "\n")
}
