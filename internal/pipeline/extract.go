package pipeline

import (
	"github.com/keystroke-tools/hub/internal/transform"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Entry types the pipeline knows how to extract.
var extractable = []protocol.EntryType{
	protocol.TypeHTML,
	protocol.TypeMarkdown,
	protocol.TypePlainText,
}

func (p *Pipeline) extract(t protocol.EntryType, body string) (protocol.Content, error) {
	if !p.cfg.Accepts(t) {
		return protocol.Content{}, protocol.Errorf(protocol.KindUnsupportedType, "entry type %s is not handled by %s", t, p.cfg.Name)
	}

	switch t {
	case protocol.TypeHTML:
		markdown, _, err := p.html.Convert(body)
		if err != nil {
			return protocol.Content{}, protocol.Wrap(protocol.KindExtraction, err, "converting HTML to Markdown")
		}
		return protocol.Content{Markdown: markdown, PlainText: transform.MarkdownToText(markdown)}, nil
	case protocol.TypeMarkdown:
		return protocol.Content{Markdown: body, PlainText: transform.MarkdownToText(body)}, nil
	case protocol.TypePlainText:
		return protocol.Content{Markdown: body, PlainText: body}, nil
	}
	return protocol.Content{}, protocol.Errorf(protocol.KindUnsupportedType, "entry type %s is not supported", t)
}
