// Package pipeline turns one entry into stored content and chunks:
// fetch, extract, chunk, detect language, checksum, persist.
package pipeline

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/internal/lang"
	"github.com/keystroke-tools/hub/internal/transform"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Report describes how far an entry got and what was derived from it.
type Report struct {
	State    State
	FailedAt State

	Name     string
	Content  protocol.Content
	Checksum string
	Language string
	Chunks   []protocol.Chunk
	Stored   int
}

// Pipeline processes entries against a Host.
type Pipeline struct {
	cfg      Config
	host     Host
	logger   *zap.Logger
	html     *transform.HTMLConverter
	detector *lang.Detector
}

// New validates cfg and builds a pipeline. A nil logger logs through host.
func New(cfg Config, host Host, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewHostLogger(host, cfg.Debug)
	}

	return &Pipeline{
		cfg:      cfg,
		host:     host,
		logger:   logger.Named(cfg.Name),
		html:     transform.NewHTMLConverter(),
		detector: lang.NewDetector(),
	}, nil
}

// Config returns the validated configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Logger returns the pipeline logger.
func (p *Pipeline) Logger() *zap.Logger {
	return p.logger
}

// Run processes entry. On failure the error is a *protocol.Error and the
// report records the state that failed.
func (p *Pipeline) Run(entry protocol.Entry) (*Report, error) {
	r := &Report{}
	logger := p.logger.With(zap.String("entry_id", entry.ID))

	fail := func(err *protocol.Error) (*Report, error) {
		r.FailedAt = r.State
		r.State = StateFailed
		logger.Debug("entry failed",
			zap.Stringer("state", r.FailedAt),
			zap.Stringer("kind", err.Kind),
			zap.Error(err))
		return r, err
	}

	r.State = StateFetching
	body, err := p.fetch(entry)
	if err != nil {
		return fail(err)
	}

	r.State = StateExtracting
	content, err := p.extractContent(entry.Type, body)
	if err != nil {
		return fail(err)
	}
	r.Content = content

	r.State = StateChunking
	r.Name = p.cfg.displayName(entry)
	chunks, err := p.chunk(r.Name + "\n" + content.PlainText)
	if err != nil {
		return fail(err)
	}

	r.State = StateLanguageDetecting
	r.Language = p.language(content.PlainText, logger)

	r.State = StatePersisting
	r.Checksum = Checksum(content.Markdown)
	update := protocol.UpdateEntryOpts{
		ID:       entry.ID,
		Content:  &content,
		Checksum: &r.Checksum,
	}
	if p.cfg.NameUpdate == UpdateNameAlways || strings.TrimSpace(entry.Name) == "" {
		name := r.Name
		update.Name = &name
	}
	if err := p.host.UpdateEntry(update); err != nil {
		return fail(protocol.Wrap(protocol.KindPersistence, err, "updating entry"))
	}

	r.Chunks = make([]protocol.Chunk, len(chunks))
	for i, text := range chunks {
		r.Chunks[i] = protocol.Chunk{
			EntryID:        entry.ID,
			Index:          int32(i),
			MinimumVersion: protocol.MinimumVersion,
			Content:        text,
			Language:       r.Language,
		}
	}
	stored, cerr := p.host.CreateChunks(protocol.CreateChunksOpts{EntryID: entry.ID, Chunks: r.Chunks})
	if cerr != nil {
		return fail(protocol.Wrap(protocol.KindPersistence, cerr, "creating chunks"))
	}
	r.Stored = stored

	r.State = StateDone
	logger.Debug("entry processed",
		zap.Stringer("type", entry.Type),
		zap.Int("count", len(r.Chunks)),
		zap.String("language", r.Language))
	return r, nil
}

func (p *Pipeline) fetch(entry protocol.Entry) (string, *protocol.Error) {
	if entry.Content != nil {
		return *entry.Content, nil
	}

	u, err := url.Parse(entry.URL)
	if err != nil {
		return "", protocol.Wrap(protocol.KindPlugin, err, "parsing entry url")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", protocol.Errorf(protocol.KindPlugin, "entry url %q is not absolute", entry.URL)
	}

	resp, err := p.host.Fetch(protocol.RequestOpts{Method: protocol.MethodGet, URL: entry.URL})
	if err != nil {
		return "", protocol.Wrap(protocol.KindNetwork, err, "fetching "+entry.URL)
	}
	if resp == nil {
		return "", protocol.Errorf(protocol.KindNetwork, "fetching %s: empty response", entry.URL)
	}
	if resp.Err != nil {
		return "", protocol.Wrap(protocol.KindNetwork, resp.Err, "fetching "+entry.URL)
	}
	if !p.cfg.acceptStatus(resp.StatusCode) {
		return "", protocol.Errorf(protocol.KindNetwork, "fetching %s: status %d", entry.URL, resp.StatusCode)
	}
	if !utf8.Valid(resp.Body) {
		return "", protocol.Errorf(protocol.KindExtraction, "response body of %s is not valid UTF-8", entry.URL)
	}
	return string(resp.Body), nil
}

func (p *Pipeline) extractContent(t protocol.EntryType, body string) (protocol.Content, *protocol.Error) {
	content, err := p.extract(t, body)
	if err != nil {
		return protocol.Content{}, protocol.AsError(err)
	}
	return content, nil
}

func (p *Pipeline) chunk(text string) ([]string, *protocol.Error) {
	var (
		res protocol.ChunkResult
		err error
	)
	switch p.cfg.Chunker {
	case ChunkBySentence:
		res, err = p.host.ChunkBySentence(text)
	default:
		res, err = p.host.ChunkWithOverlap(text)
	}
	if err != nil {
		return nil, protocol.Wrap(protocol.KindPlugin, err, "chunking")
	}
	if int(res.Count) > len(res.Chunks) {
		return nil, protocol.Errorf(protocol.KindChunkAssembly,
			"host declared %d chunks but delivered %d", res.Count, len(res.Chunks))
	}
	return res.Chunks, nil
}

// language never fails; anything short of a name yields the fallback.
func (p *Pipeline) language(text string, logger *zap.Logger) string {
	var name string
	switch p.cfg.Language {
	case LanguageFixed:
		name = p.cfg.FixedLanguage
	case LanguageLocal:
		if tag, ok := p.detector.Detect(text); ok {
			name = lang.Name(tag)
		}
	case LanguageHost:
		detected, err := p.host.DetectLanguage(text)
		if err != nil {
			logger.Warn("language detection failed", zap.Error(err))
			break
		}
		name = detected
	}

	if name = strings.TrimSpace(name); name == "" {
		return p.cfg.FallbackLanguage
	}
	return name
}
