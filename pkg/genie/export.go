package genie

import (
	"bytes"
	"fmt"
	"html/template"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// proposalMarkdown renders markdown proposals. Raw HTML in the generated
// text is omitted.
var proposalMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var proposalPage = template.Must(template.New("proposal").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
{{- if .Funder}}
<p class="funder">Prepared for {{.Funder}}</p>
{{- end}}
</header>
<main>
{{.Body}}
</main>
</body>
</html>
`))

// ExportProposalHTML writes the current proposal as a standalone HTML page.
func (g *GrantGenie) ExportProposalHTML(w io.Writer) error {
	if g.ProposalContent == "" {
		return fmt.Errorf("no proposal content to export")
	}

	var body bytes.Buffer
	if err := proposalMarkdown.Convert([]byte(g.ProposalContent), &body); err != nil {
		return fmt.Errorf("render proposal: %w", err)
	}

	title := g.SessionName
	if title == "" {
		title = g.FormData.ProjectName
	}
	if title == "" {
		title = untitledSession
	}

	return proposalPage.Execute(w, struct {
		Title  string
		Funder string
		Body   template.HTML
	}{title, g.FormData.FunderName, template.HTML(body.String())})
}
