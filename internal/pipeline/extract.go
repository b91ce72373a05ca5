package pipeline

import (
	"regexp"
	"strings"
)

// FileBlock is one extracted (path, content) fenced block from a fix
// response.
type FileBlock struct {
	Path    string
	Content string
}

// fileBlockRe matches fenced blocks whose info string labels a path:
//
//	```file:src/app.ts
//	...content...
//	```
//
// A language prefix before the path marker is tolerated.
var fileBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9+#-]*\\s*file:([^\n`]+)\n(.*?)```")

// ParseFileBlocks extracts every labeled file block, in response order.
// Blocks with an empty path are dropped.
func ParseFileBlocks(response string) []FileBlock {
	matches := fileBlockRe.FindAllStringSubmatch(response, -1)
	blocks := make([]FileBlock, 0, len(matches))
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if path == "" {
			continue
		}
		content := m[2]
		// The closing fence sits on its own line; strip one trailing newline.
		content = strings.TrimSuffix(content, "\n")
		blocks = append(blocks, FileBlock{Path: path, Content: content})
	}
	return blocks
}

var issueKeywords = []string{"issue", "problem", "vulnerability", "bug", "defect", "error"}

var suggestionKeywords = []string{"suggestion", "recommend", "improve", "consider", "should"}

// CountFindings returns best-effort issue and suggestion keyword counts
// over a response. The heuristic is fuzzy by design; counts feed summary
// metadata, never control flow.
func CountFindings(response string) (issues, suggestions int) {
	lower := strings.ToLower(response)
	for _, kw := range issueKeywords {
		issues += strings.Count(lower, kw)
	}
	for _, kw := range suggestionKeywords {
		suggestions += strings.Count(lower, kw)
	}
	return issues, suggestions
}

// SummaryLine extracts the first non-empty, non-fence line of a response,
// stripped of markdown heading markers and capped at 200 characters.
func SummaryLine(response string) string {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "#*- "))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}

// Truncate caps s at n characters; chain steps carry at most the first
// 4,000 characters of the preceding step's raw output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
