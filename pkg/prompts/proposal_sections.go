package prompts

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MissingProposalSections returns the required sections that do not appear as
// a heading in the generated Markdown. When the model produced no headings at
// all, section names are searched for anywhere in the text instead.
func MissingProposalSections(markdown string) []string {
	src := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var headings []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			headings = append(headings, strings.ToLower(nodeText(h, src)))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	haystack := headings
	if len(haystack) == 0 {
		haystack = []string{strings.ToLower(markdown)}
	}

	var missing []string
	for _, section := range RequiredProposalSections {
		want := strings.ToLower(section)
		found := false
		for _, h := range haystack {
			if strings.Contains(h, want) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, section)
		}
	}
	return missing
}

// nodeText concatenates the text segments below n.
func nodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(src))
			continue
		}
		buf.WriteString(nodeText(c, src))
	}
	return buf.String()
}
