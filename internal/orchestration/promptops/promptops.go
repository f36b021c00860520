// Package promptops holds pure text transforms applied around child prompts:
// rewriting orchestrator-relative paths into a child's workspace, and
// extracting open questions from a forwarded reply.
package promptops

import (
	"strings"
)

// RewriteResult describes what RewritePaths did to a prompt.
type RewriteResult struct {
	Prompt string
	// Rewritten counts the path tokens that were remapped.
	Rewritten int
}

// RewritePaths remaps absolute paths under the orchestrator directory onto
// the child's workspace directory, so prompts written against the original
// checkout address the child's isolated copy. It is a best-effort prefix
// rewrite over whitespace- and quote-delimited tokens; the caller treats a
// zero-rewrite outcome as "nothing to do", never as a failure.
func RewritePaths(prompt, orchestratorDir, workspaceDir string) RewriteResult {
	if orchestratorDir == "" || workspaceDir == "" || orchestratorDir == workspaceDir {
		return RewriteResult{Prompt: prompt}
	}

	prefix := strings.TrimRight(orchestratorDir, "/")
	target := strings.TrimRight(workspaceDir, "/")

	var (
		b     strings.Builder
		token strings.Builder
		count int
	)
	flush := func() {
		if token.Len() == 0 {
			return
		}
		tok := token.String()
		if rewritten, ok := rewriteToken(tok, prefix, target); ok {
			b.WriteString(rewritten)
			count++
		} else {
			b.WriteString(tok)
		}
		token.Reset()
	}

	for _, r := range prompt {
		if isDelimiter(r) {
			flush()
			b.WriteRune(r)
			continue
		}
		token.WriteRune(r)
	}
	flush()

	return RewriteResult{Prompt: b.String(), Rewritten: count}
}

// rewriteToken remaps a single token if it is the prefix itself or a path
// below it. Matching mid-token (a longer sibling directory sharing the
// prefix string) does not count.
func rewriteToken(tok, prefix, target string) (string, bool) {
	if tok == prefix {
		return target, true
	}
	if strings.HasPrefix(tok, prefix+"/") {
		return target + tok[len(prefix):], true
	}
	return "", false
}

func isDelimiter(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '"', '\'', '`', '(', ')', ',', ';':
		return true
	}
	return false
}

// interrogatives are the lowercase words that mark a line as a question when
// it opens with one, even without a trailing question mark.
var interrogatives = []string{
	"should", "which", "would", "could", "do you", "does", "can",
	"what", "where", "when", "why", "how", "is it", "are we",
}

// ExtractQuestions pulls the question lines out of a forwarded reply. A line
// qualifies when it ends with "?" or when it is a bulleted/numbered item
// opening with an interrogative. The result joins matches with newlines; an
// empty result means the reply asks nothing.
func ExtractQuestions(text string) string {
	var questions []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isQuestionLine(line) {
			questions = append(questions, line)
		}
	}
	return strings.Join(questions, "\n")
}

func isQuestionLine(line string) bool {
	if strings.HasSuffix(line, "?") {
		return true
	}
	stripped := strings.ToLower(stripListMarker(line))
	for _, word := range interrogatives {
		if strings.HasPrefix(stripped, word+" ") {
			return true
		}
	}
	return false
}

// stripListMarker removes a leading bullet or "N." / "N)" numbering.
func stripListMarker(line string) string {
	trimmed := strings.TrimLeft(line, "-*+ \t")
	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	if i > 0 && i < len(trimmed) && (trimmed[i] == '.' || trimmed[i] == ')') {
		trimmed = strings.TrimSpace(trimmed[i+1:])
	}
	return trimmed
}
