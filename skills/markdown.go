package skills

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// docMeta holds the fields extracted from a skill document.
type docMeta struct {
	title string
	brief string
}

// parseDoc extracts the title (first level-1 heading) and brief (first
// paragraph) from a markdown document.
func parseDoc(source []byte) docMeta {
	root := md.Parser().Parse(text.NewReader(source))

	var meta docMeta
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if meta.title == "" && node.Level == 1 {
				meta.title = nodeText(node, source)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			if meta.brief == "" {
				meta.brief = nodeText(node, source)
			}
			return ast.WalkSkipChildren, nil
		}
		if meta.title != "" && meta.brief != "" {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return meta
}

// nodeText concatenates the text content of a node's descendants. Soft and
// hard line breaks become single spaces so briefs stay on one line.
func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}
