// Package extract pulls executable CAD code out of an AI response.
package extract

import (
	"regexp"
	"strings"
)

// Format records which extraction tier matched.
type Format int

const (
	// XMLTags matched a <CODE>...</CODE> block.
	XMLTags Format = iota
	// MarkdownFence matched a ```python fence.
	MarkdownFence
	// Heuristic matched any fence containing CAD library markers.
	Heuristic
)

func (f Format) String() string {
	switch f {
	case XMLTags:
		return "xml_tags"
	case MarkdownFence:
		return "markdown_fence"
	default:
		return "heuristic"
	}
}

// Outcome is a successful extraction.
type Outcome struct {
	Code   string
	Format Format
}

var (
	xmlTagsRe       = regexp.MustCompile(`(?si)<CODE>([\s\S]*?)</CODE>`)
	markdownFenceRe = regexp.MustCompile("```python[ \t]*\n([\\s\\S]*?)```")
	anyFenceRe      = regexp.MustCompile("```\\w*[ \t]*\n([\\s\\S]*?)```")
)

// cadMarkers identify a fenced block as CAD code even without a
// language tag.
var cadMarkers = []string{"from build123d", "BuildPart", "Box(", "Cylinder(", "import cadquery"}

// PythonCode extracts code from response using a three-tier cascade:
// <CODE> XML tags (case-insensitive), then a ```python fence, then any
// fence containing CAD markers. Returns false if no tier matches.
func PythonCode(response string) (Outcome, bool) {
	if m := xmlTagsRe.FindStringSubmatch(response); m != nil {
		if code := strings.TrimSpace(m[1]); code != "" {
			return Outcome{Code: code, Format: XMLTags}, true
		}
	}

	if m := markdownFenceRe.FindStringSubmatch(response); m != nil {
		if code := strings.TrimSpace(m[1]); code != "" {
			return Outcome{Code: code, Format: MarkdownFence}, true
		}
	}

	for _, m := range anyFenceRe.FindAllStringSubmatch(response, -1) {
		code := strings.TrimSpace(m[1])
		if code == "" {
			continue
		}
		for _, marker := range cadMarkers {
			if strings.Contains(code, marker) {
				return Outcome{Code: code, Format: Heuristic}, true
			}
		}
	}

	return Outcome{}, false
}

// Code is a convenience wrapper returning just the code string.
func Code(response string) (string, bool) {
	outcome, ok := PythonCode(response)
	return outcome.Code, ok
}
