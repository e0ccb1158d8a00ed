package budget

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SnippetAI/internal/aierr"
)

const sampleCode = "```go\n" +
	"// reverse returns s with its runes in reverse order.\n" +
	"// It allocates a new slice of runes for the result.\n" +
	"func reverse(s string) string {\n" +
	"\trunes := []rune(s)\n" +
	"\tfor i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {\n" +
	"\t\trunes[i], runes[j] = runes[j], runes[i]\n" +
	"\t}\n" +
	"\n" +
	"\treturn string(runes)\n" +
	"}\n" +
	"\n" +
	"// main prints an example.\n" +
	"func main() {\n" +
	"\tfmt.Println(reverse(\"hello\"))\n" +
	"}\n" +
	"```"

func TestPrepareFitsUntouched(t *testing.T) {
	b := New(map[string]int{"simple": 1000}, 64)
	out, err := b.Prepare(Input{
		Prompt:   "reverse a string",
		Sections: []Section{{Label: "code", Text: "func reverse() {}"}},
	}, "simple")
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL PROMPT:\nreverse a string\n\nCODE:\nfunc reverse() {}", out)
}

func TestPrepareDeterministic(t *testing.T) {
	in := Input{
		Prompt:   "reverse a string in Go",
		Sections: []Section{{Label: "code", Text: sampleCode}, {Label: "findings", Text: strings.Repeat("the code looks fine\n", 20)}},
	}

	first := New(map[string]int{"simple": 120}, 16)
	second := New(map[string]int{"simple": 120}, 16)

	a, err := first.Prepare(in, "simple")
	require.NoError(t, err)
	b, err := first.Prepare(in, "simple")
	require.NoError(t, err)
	c, err := second.Prepare(in, "simple")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestPrepareKeepsSignaturesOverComments(t *testing.T) {
	b := New(map[string]int{"simple": 70}, 16)
	out, err := b.Prepare(Input{
		Prompt:   "reverse",
		Sections: []Section{{Label: "code", Text: sampleCode}},
	}, "simple")
	require.NoError(t, err)

	assert.LessOrEqual(t, EstimateTokens(out), 70)
	assert.Contains(t, out, "func reverse(s string) string {")
	assert.Contains(t, out, "func main() {")
	assert.Contains(t, out, "lines trimmed)")
	assert.NotContains(t, out, "It allocates a new slice")
	assert.True(t, strings.HasPrefix(out, "ORIGINAL PROMPT:\nreverse\n\nCODE:\n```go\n"))
}

func TestPrepareSharesBudgetAcrossSections(t *testing.T) {
	b := New(map[string]int{"medium": 100}, 16)
	out, err := b.Prepare(Input{
		Prompt: "p",
		Sections: []Section{
			{Label: "architecture", Text: "short plan"},
			{Label: "code", Text: sampleCode},
		},
	}, "medium")
	require.NoError(t, err)

	assert.LessOrEqual(t, EstimateTokens(out), 100)
	assert.Contains(t, out, "ARCHITECTURE:\nshort plan\n\nCODE:\n")
}

func TestPrepareBudgetExceeded(t *testing.T) {
	b := New(map[string]int{"simple": 8}, 64)
	_, err := b.Prepare(Input{Prompt: strings.Repeat("word ", 100)}, "simple")
	assert.ErrorIs(t, err, aierr.ContextBudgetExceeded)

	_, err = b.Prepare(Input{Prompt: "x"}, "missing")
	assert.ErrorIs(t, err, aierr.ContextBudgetExceeded)
}

func TestPrepareCapsLongPrompt(t *testing.T) {
	b := New(map[string]int{"simple": 100}, 20)
	prompt := strings.Repeat("a", 1000)
	out, err := b.Prepare(Input{Prompt: prompt, Sections: []Section{{Label: "code", Text: "x := 1"}}}, "simple")
	require.NoError(t, err)

	assert.LessOrEqual(t, EstimateTokens(out), 100)
	assert.Contains(t, out, "… (prompt truncated)")
	assert.Contains(t, out, "CODE:\nx := 1")
}

func TestTrimSectionMarkers(t *testing.T) {
	text := "func a() {\n\tbody1\n\tbody2\n\tbody3\n}\n// comment\n// comment"
	out := trimSection(text, 40)
	assert.LessOrEqual(t, len(out), 40)
	assert.True(t, strings.HasPrefix(out, "func a() {\n"))
	assert.Equal(t, strings.Count(out, "lines trimmed)"), strings.Count(out, "…"))
}

func TestRankLines(t *testing.T) {
	lines := []string{"# Plan", "1. parse input", "some prose", "", "```python", "# a comment", "def f(x):", "    return x", "```"}
	assert.Equal(t, []int{
		rankStructure, rankStructure, rankBody, rankBlank,
		rankStructure, rankComment, rankStructure, rankBody, rankStructure,
	}, rankLines(lines))
}

func TestPrepareShortSectionsLeaveRoomForLongOnes(t *testing.T) {
	long := strings.Repeat("x := 1\n", 20)
	in := Input{
		Prompt:   "p",
		Sections: []Section{{Label: "code", Text: long}, {Label: "notes", Text: "ok"}},
	}
	b := New(map[string]int{"simple": 60}, 16)
	require.True(t, b.Fits(in, "simple"))

	out, err := b.Prepare(in, "simple")
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL PROMPT:\np\n\nCODE:\n"+long+"\n\nNOTES:\nok", out)

	assert.False(t, New(map[string]int{"simple": 20}, 16).Fits(in, "simple"))
	assert.False(t, b.Fits(in, "missing"))
}

func TestMemoIsBoundedAndTransparent(t *testing.T) {
	b := New(map[string]int{"simple": 40}, 16)
	for i := 0; i < memoSize+10; i++ {
		_, err := b.Prepare(Input{Prompt: fmt.Sprintf("prompt %d", i)}, "simple")
		require.NoError(t, err)
	}
	assert.Equal(t, memoSize, b.memo.Len())

	in := Input{Prompt: "prompt 0", Sections: []Section{{Label: "code", Text: strings.Repeat("y = 2\n", 40)}}}
	first, err := b.Prepare(in, "simple")
	require.NoError(t, err)
	again, err := b.Prepare(in, "simple")
	require.NoError(t, err)
	fresh, err := New(map[string]int{"simple": 40}, 16).Prepare(in, "simple")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, fresh, first)
}
