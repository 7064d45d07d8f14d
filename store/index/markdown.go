package index

import (
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func getMarkdownParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownParser
}

// PlainText extracts the readable text of a markdown document: text nodes,
// code block lines, link targets of autolinks. Markup characters, link URLs
// and raw HTML are dropped.
func PlainText(source string) string {
	if source == "" {
		return ""
	}
	src := []byte(source)
	document := getMarkdownParser().Parser().Parse(text.NewReader(src))

	// Adjacent inline nodes are one run of text; only block boundaries and
	// line breaks separate words.
	var b strings.Builder
	separate := false
	write := func(p []byte) {
		if len(p) == 0 {
			return
		}
		if separate && b.Len() > 0 {
			b.WriteByte(' ')
		}
		separate = false
		b.Write(p)
	}

	_ = ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if node.Type() == ast.TypeBlock {
			separate = true
		}
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Text:
			write(n.Segment.Value(src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				separate = true
			}
		case *ast.String:
			write(n.Value)
		case *ast.AutoLink:
			write(n.URL(src))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				segment := lines.At(i)
				separate = true
				write(segment.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return b.String()
}
