// Package chunker splits entry text into chunks for indexing.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Config holds chunk sizes, measured in runes.
type Config struct {
	// Size is the maximum chunk length.
	Size int

	// Overlap is how much of the previous window a window repeats.
	Overlap int
}

// DefaultConfig returns the chunk sizes used when none are configured.
func DefaultConfig() Config {
	return Config{
		Size:    1000,
		Overlap: 200,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("Size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("Overlap must not be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("Overlap (%d) must be less than Size (%d)", c.Overlap, c.Size)
	}
	return nil
}

// Chunker splits text with a fixed configuration.
type Chunker struct {
	config Config
}

// New creates a Chunker. A zero Config selects the defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a Chunker, panicking on invalid config.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns the chunker configuration.
func (c *Chunker) Config() Config {
	return c.config
}

// WithOverlap cuts text into windows of at most Size runes, each repeating
// about Overlap runes of its predecessor. Cuts prefer whitespace. Blank text
// yields no chunks.
func (c *Chunker) WithOverlap(text string) []string {
	return windows([]rune(text), c.config.Size, c.config.Overlap)
}

func windows(runes []rune, size, overlap int) []string {
	var chunks []string
	n := len(runes)

	for start := 0; start < n; {
		end := min(start+size, n)
		if end < n {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i]) {
					end = i
					break
				}
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == n {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		for j := next; j < end; j++ {
			if unicode.IsSpace(runes[j-1]) {
				next = j
				break
			}
		}
		start = next
	}
	return chunks
}

// BySentence packs whole sentences into chunks of at most Size runes.
// Sentences longer than Size are cut into windows without overlap.
func (c *Chunker) BySentence(text string) []string {
	size := c.config.Size

	var (
		chunks  []string
		current strings.Builder
		length  int
	)
	flush := func() {
		if length > 0 {
			chunks = append(chunks, current.String())
		}
		current.Reset()
		length = 0
	}

	for _, sentence := range splitSentences(text) {
		if sentence == "" {
			continue
		}
		n := utf8.RuneCountInString(sentence)
		if n > size {
			flush()
			chunks = append(chunks, windows([]rune(sentence), size, 0)...)
			continue
		}
		if length > 0 && length+1+n > size {
			flush()
		}
		if length > 0 {
			current.WriteByte(' ')
			length++
		}
		current.WriteString(sentence)
		length += n
	}
	flush()

	return chunks
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace, and on blank lines.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
			continue
		}
		current.WriteRune(r)

		if r == '.' || r == '?' || r == '!' {
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
			}
		}
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
