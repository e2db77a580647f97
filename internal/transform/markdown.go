package transform

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// MarkdownToText strips Markdown syntax and YAML front matter from src,
// keeping one line per block and the line breaks inside paragraphs.
func MarkdownToText(src string) string {
	body := []byte(StripFrontMatter(src))
	doc := markdown.Parser().Parse(text.NewReader(body))

	var (
		lines []string
		line  bytes.Buffer
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				flush()
			}
			return ast.WalkContinue, nil
		}

		switch n := n.(type) {
		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			flush()
			segs := n.Lines()
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				line.Write(seg.Value(body))
			}
			flush()
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			line.Write(n.Label(body))
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			line.Write(n.Segment.Value(body))
			if n.SoftLineBreak() || n.HardLineBreak() {
				line.WriteByte('\n')
			}
		case *ast.String:
			line.Write(n.Value)
		}
		return ast.WalkContinue, nil
	})
	flush()

	return strings.Join(lines, "\n")
}

// StripFrontMatter removes a leading YAML front matter block. Blocks that are
// not valid YAML are left in place.
func StripFrontMatter(src string) string {
	rest, ok := strings.CutPrefix(src, "---\n")
	if !ok {
		rest, ok = strings.CutPrefix(src, "---\r\n")
	}
	if !ok {
		return src
	}

	end := strings.Index(rest, "\n---")
	if end < 0 {
		return src
	}

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return src
	}

	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		if strings.TrimSpace(body[:i]) != "" {
			return src
		}
		return body[i+1:]
	}
	if strings.TrimSpace(body) != "" {
		return src
	}
	return ""
}
