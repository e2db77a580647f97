// Command md is the ingestion plugin for Markdown and plain text entries.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o md.wasm ./cmd/plugins/md
package main

import (
	"github.com/keystroke-tools/hub/internal/guest"
	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

var config = pipeline.Config{
	Name:          "md",
	Types:         []protocol.EntryType{protocol.TypeMarkdown, protocol.TypePlainText},
	Chunker:       pipeline.ChunkWithOverlap,
	ErrorPolicy:   pipeline.PropagateErrors,
	Language:      pipeline.LanguageFixed,
	FixedLanguage: "english",
	NameRule:      pipeline.NameFirstSegment,
	NameUpdate:    pipeline.UpdateNameAlways,
	StatusPolicy:  pipeline.RequireOK,
}

func init() {
	guest.Register(config)
}

func main() {}
