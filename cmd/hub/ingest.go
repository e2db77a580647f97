package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

type ingestFlags struct {
	files    []string
	typeName string
}

func ingestCmd(global *globalFlags) *cobra.Command {
	flags := &ingestFlags{}

	cmd := &cobra.Command{
		Use:   "ingest [url...]",
		Short: "Run entries through the matching plugins",
		Long: `Creates one entry per URL or --file, dispatches each to the plugin
registered for its type and reports the outcome. Local files are passed
inline and never fetched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(flags.files) == 0 {
				return fmt.Errorf("nothing to ingest: pass URLs or --file")
			}

			var forced protocol.EntryType
			if flags.typeName != "" {
				t, err := protocol.ParseEntryType(flags.typeName)
				if err != nil {
					return err
				}
				forced = t
			}

			entries := make([]protocol.Entry, 0, len(args)+len(flags.files))
			for _, raw := range args {
				e, err := urlEntry(raw, forced)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}
			for _, file := range flags.files {
				e, err := fileEntry(file, forced)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIngest(ctx, global, cmd, entries)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.files, "file", "f", nil, "Local file to ingest (repeatable)")
	cmd.Flags().StringVarP(&flags.typeName, "type", "t", "", "Entry type for every input (HTML, Markdown, PlainText); inferred from the extension otherwise")
	return cmd
}

func runIngest(ctx context.Context, global *globalFlags, cmd *cobra.Command, entries []protocol.Entry) error {
	a, err := newApp(ctx, global)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	var (
		mu     sync.Mutex
		failed int
		out    = cmd.OutOrStdout()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.cfg.Concurrency, 1))
	for _, e := range entries {
		g.Go(func() error {
			name, err := a.manager.Dispatch(gctx, e)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Fprintf(out, "FAIL %s %s [%s]: %v\n", e.ID, source(e), name, err)
				return nil
			}
			chunks, err := a.store.ListChunks(gctx, e.ID)
			if err != nil {
				a.logger.Warn("Listing chunks failed", zap.String("entry_id", e.ID), zap.Error(err))
			}
			fmt.Fprintf(out, "OK   %s %s [%s]: %d chunks\n", e.ID, source(e), name, len(chunks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(entries))
	}
	return nil
}

func source(e protocol.Entry) string {
	if e.Content != nil {
		return e.Name
	}
	return e.URL
}

func urlEntry(raw string, forced protocol.EntryType) (protocol.Entry, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return protocol.Entry{}, fmt.Errorf("not an absolute URL: %q", raw)
	}

	t := forced
	if t == protocol.TypeUnknown {
		t = typeFromExt(path.Ext(u.Path))
	}
	if t == protocol.TypeUnknown {
		t = protocol.TypeHTML
	}

	return protocol.Entry{
		ID:   uuid.NewString(),
		Name: path.Base(u.Path),
		URL:  raw,
		Type: t,
	}, nil
}

func fileEntry(file string, forced protocol.EntryType) (protocol.Entry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return protocol.Entry{}, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return protocol.Entry{}, err
	}

	t := forced
	if t == protocol.TypeUnknown {
		t = typeFromExt(filepath.Ext(file))
	}
	if t == protocol.TypeUnknown {
		return protocol.Entry{}, fmt.Errorf("cannot infer the entry type of %s; pass --type", file)
	}

	content := string(data)
	return protocol.Entry{
		ID:      uuid.NewString(),
		Name:    filepath.Base(file),
		URL:     (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(),
		Type:    t,
		Content: &content,
	}, nil
}

func typeFromExt(ext string) protocol.EntryType {
	switch strings.ToLower(ext) {
	case ".html", ".htm", ".xhtml":
		return protocol.TypeHTML
	case ".md", ".markdown", ".mdx":
		return protocol.TypeMarkdown
	case ".txt", ".text":
		return protocol.TypePlainText
	case ".pdf":
		return protocol.TypePDF
	default:
		return protocol.TypeUnknown
	}
}
