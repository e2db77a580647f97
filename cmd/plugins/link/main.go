// Command link ingests web pages. Failures are logged, never returned.
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o link.wasm ./cmd/plugins/link
package main

import (
	"github.com/keystroke-tools/hub/internal/guest"
	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

var config = pipeline.Config{
	Name:         "link",
	Types:        []protocol.EntryType{protocol.TypeHTML},
	Chunker:      pipeline.ChunkBySentence,
	ErrorPolicy:  pipeline.LogErrors,
	Language:     pipeline.LanguageHost,
	NameRule:     pipeline.NameAsIs,
	NameUpdate:   pipeline.UpdateNameIfEmpty,
	StatusPolicy: pipeline.RejectErrors,
}

func init() {
	guest.Register(config)
}

func main() {}
