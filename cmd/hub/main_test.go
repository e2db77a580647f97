package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "hub dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestIngestRequiresInput(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"ingest"})

	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nothing to ingest") {
		t.Errorf("expected a nothing to ingest error, got %v", err)
	}
}

func TestURLEntry(t *testing.T) {
	e, err := urlEntry("https://example.com/docs/notes.md", protocol.TypeUnknown)
	if err != nil {
		t.Fatalf("urlEntry() error = %v", err)
	}
	if e.Type != protocol.TypeMarkdown || e.Name != "notes.md" || e.Content != nil {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("id %q is not a UUID: %v", e.ID, err)
	}

	tests := []struct {
		url  string
		typ  protocol.EntryType
		want protocol.EntryType
	}{
		{"https://example.com/blog/post", protocol.TypeUnknown, protocol.TypeHTML},
		{"s3://bucket/notes.txt", protocol.TypeMarkdown, protocol.TypeMarkdown},
	}
	for _, tt := range tests {
		e, err := urlEntry(tt.url, tt.typ)
		if err != nil {
			t.Errorf("urlEntry(%s) error = %v", tt.url, err)
			continue
		}
		if e.Type != tt.want {
			t.Errorf("urlEntry(%s) type = %v, want %v", tt.url, e.Type, tt.want)
		}
	}

	if _, err := urlEntry("notes.md", protocol.TypeUnknown); err == nil {
		t.Error("a relative URL should be rejected")
	}
}

func TestFileEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := fileEntry(path, protocol.TypeUnknown)
	if err != nil {
		t.Fatalf("fileEntry() error = %v", err)
	}
	if e.Type != protocol.TypeMarkdown || e.Name != "notes.md" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Content == nil || *e.Content != "# Notes\n" {
		t.Errorf("content = %v", e.Content)
	}
	if !strings.HasPrefix(e.URL, "file://") {
		t.Errorf("url = %q, want a file URL", e.URL)
	}

	odd := filepath.Join(dir, "notes.rst")
	if err := os.WriteFile(odd, []byte("Notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := fileEntry(odd, protocol.TypeUnknown); err == nil || !strings.Contains(err.Error(), "--type") {
		t.Errorf("expected a hint about --type, got %v", err)
	}

	e, err = fileEntry(odd, protocol.TypePlainText)
	if err != nil {
		t.Fatalf("fileEntry() error = %v", err)
	}
	if e.Type != protocol.TypePlainText {
		t.Errorf("type = %v, want PlainText", e.Type)
	}

	if _, err := fileEntry(filepath.Join(dir, "missing.md"), protocol.TypeUnknown); err == nil {
		t.Error("a missing file should be rejected")
	}
}

func TestTypeFromExt(t *testing.T) {
	tests := map[string]protocol.EntryType{
		".HTML": protocol.TypeHTML,
		".htm":  protocol.TypeHTML,
		".md":   protocol.TypeMarkdown,
		".txt":  protocol.TypePlainText,
		".pdf":  protocol.TypePDF,
		".png":  protocol.TypeUnknown,
		"":      protocol.TypeUnknown,
	}
	for ext, want := range tests {
		if got := typeFromExt(ext); got != want {
			t.Errorf("typeFromExt(%q) = %v, want %v", ext, got, want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		if err != nil || logger == nil {
			t.Errorf("newLogger(%s) = %v, %v", level, logger, err)
		}
	}

	if _, err := newLogger("loud"); err == nil {
		t.Error("an unknown level should be rejected")
	}
}
