package budget

import (
	"regexp"
	"strings"
)

const (
	rankStructure = iota
	rankBody
	rankComment
	rankBlank
)

var (
	signaturePrefixes = []string{
		"func ", "def ", "async def ", "class ", "type ", "interface ", "struct ", "enum ", "trait ",
		"fn ", "pub fn ", "pub struct ", "pub enum ", "impl ", "package ", "import ", "from ",
		"public ", "private ", "protected ", "static ", "export ", "function ", "module ",
		"#include", "#define", "template", "@",
	}
	numberedItem = regexp.MustCompile(`^\d+[.)]\s`)
	bulletItem   = regexp.MustCompile(`^[-*+]\s`)
)

// rankLines classifies every line. '#' lines are comments inside a code fence and
// headings outside one.
func rankLines(lines []string) []int {
	ranks := make([]int, len(lines))
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
			inFence = !inFence
			ranks[i] = rankStructure
		case trimmed == "":
			ranks[i] = rankBlank
		case isComment(trimmed, inFence):
			ranks[i] = rankComment
		case isStructural(line, trimmed, inFence):
			ranks[i] = rankStructure
		default:
			ranks[i] = rankBody
		}
	}
	return ranks
}

func isComment(trimmed string, inFence bool) bool {
	for _, p := range []string{"//", "/*", "*/", "--", ";;", "<!--"} {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "* ") || trimmed == "*" {
		return inFence
	}
	if strings.HasPrefix(trimmed, "#") {
		return inFence && !strings.HasPrefix(trimmed, "#include") && !strings.HasPrefix(trimmed, "#define")
	}
	return false
}

func isStructural(line, trimmed string, inFence bool) bool {
	if !inFence {
		if strings.HasPrefix(trimmed, "#") || numberedItem.MatchString(trimmed) || bulletItem.MatchString(trimmed) {
			return true
		}
	}
	for _, p := range signaturePrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	// top-level block openers and closers keep the outline readable
	indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
	if !indented && (strings.HasSuffix(trimmed, "{") || trimmed == "}" || strings.HasSuffix(trimmed, ":")) {
		return true
	}
	return false
}
