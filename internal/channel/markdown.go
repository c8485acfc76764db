// ABOUTME: Markdown rendering helpers for agent reply text
// ABOUTME: Produces HTML for rich channels and plain text for plain-format senders

package channel

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// RenderHTML converts markdown to HTML for channels with rich display,
// such as Matrix formatted_body.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// PlainText strips markdown structure from the source, keeping the visible
// text with one line per block. Channels that send a formatted body still
// need a plain fallback body; this produces it.
func PlainText(source string) string {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.FencedCodeBlock:
			if entering {
				writeCodeLines(&b, node.Lines(), src)
			}
		case *ast.CodeBlock:
			if entering {
				writeCodeLines(&b, node.Lines(), src)
			}
		default:
			// Separate blocks with a newline as we leave them
			if !entering && n.Type() == ast.TypeBlock {
				ensureNewline(&b)
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}

func writeCodeLines(b *strings.Builder, lines *text.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
}

func ensureNewline(b *strings.Builder) {
	s := b.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n") {
		b.WriteByte('\n')
	}
}
