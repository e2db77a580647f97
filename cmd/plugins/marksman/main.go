// Command marksman is the general ingestion plugin: HTML, Markdown and plain
// text, with in-plugin language detection.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o marksman.wasm ./cmd/plugins/marksman
package main

import (
	"github.com/keystroke-tools/hub/internal/guest"
	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

var config = pipeline.Config{
	Name:         "marksman",
	Types:        []protocol.EntryType{protocol.TypeHTML, protocol.TypeMarkdown, protocol.TypePlainText},
	Chunker:      pipeline.ChunkWithOverlap,
	ErrorPolicy:  pipeline.PropagateErrors,
	Language:     pipeline.LanguageLocal,
	NameRule:     pipeline.NameStripExtension,
	NameUpdate:   pipeline.UpdateNameAlways,
	StatusPolicy: pipeline.RejectErrors,
}

func init() {
	guest.Register(config)
}

func main() {}
