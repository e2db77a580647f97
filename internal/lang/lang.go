// Package lang guesses the natural language of a text.
//
// Detection is deliberately shallow: the dominant non-Latin script decides
// for scripts used by one language family, and stop-word frequency decides
// among Latin-script languages.
package lang

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DefaultMinHits is the number of stop-word hits needed before a Latin-script
// guess counts as a signal.
const DefaultMinHits = 2

type scriptRule struct {
	table *unicode.RangeTable
	tag   language.Tag
}

var scripts = []scriptRule{
	{unicode.Cyrillic, language.Russian},
	{unicode.Greek, language.Greek},
	{unicode.Arabic, language.Arabic},
	{unicode.Hebrew, language.Hebrew},
	{unicode.Hangul, language.Korean},
	{unicode.Hiragana, language.Japanese},
	{unicode.Katakana, language.Japanese},
	{unicode.Han, language.Chinese},
	{unicode.Thai, language.Thai},
	{unicode.Devanagari, language.Hindi},
}

var stopWords = map[language.Tag][]string{
	language.English: {
		"the", "and", "is", "of", "to", "in", "that", "it", "with", "for",
		"this", "are", "was", "be", "have", "not", "you", "on", "they", "what",
	},
	language.French: {
		"le", "la", "les", "et", "est", "un", "une", "des", "du", "dans",
		"que", "qui", "pour", "pas", "sur", "avec", "ce", "il", "elle", "nous",
	},
	language.German: {
		"der", "die", "das", "und", "ist", "nicht", "ein", "eine", "mit", "zu",
		"den", "von", "sich", "auch", "auf", "für", "ich", "wir", "sie", "dem",
	},
	language.Spanish: {
		"el", "los", "las", "y", "es", "una", "por", "con", "para", "como",
		"pero", "sus", "del", "está", "muy", "también", "yo", "ella", "se", "lo",
	},
	language.Italian: {
		"il", "gli", "della", "che", "di", "non", "una", "sono", "per", "con",
		"anche", "come", "nel", "questo", "più", "ma", "ed", "alla", "io", "lei",
	},
	language.Portuguese: {
		"o", "os", "as", "não", "uma", "com", "para", "mais", "como", "mas",
		"foi", "ao", "ele", "das", "tem", "seu", "sua", "ou", "quando", "muito",
	},
	language.Dutch: {
		"het", "een", "en", "van", "ik", "niet", "zijn", "dat", "op", "wij",
		"ook", "maar", "voor", "met", "hij", "deze", "wordt", "naar", "bij", "nog",
	},
}

// Detector guesses languages. The zero value is not usable; call NewDetector.
type Detector struct {
	minHits int
	index   map[string][]language.Tag
}

// Option configures a Detector.
type Option func(*Detector)

// WithMinHits sets the stop-word hits needed for a Latin-script signal.
func WithMinHits(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.minHits = n
		}
	}
}

// NewDetector builds a detector over the built-in stop-word lists.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		minHits: DefaultMinHits,
		index:   make(map[string][]language.Tag),
	}
	for tag, words := range stopWords {
		for _, w := range words {
			d.index[w] = append(d.index[w], tag)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the most likely language of text. ok is false when the text
// carries no usable signal.
func (d *Detector) Detect(text string) (tag language.Tag, ok bool) {
	if tag, ok := d.byScript(text); ok {
		return tag, true
	}
	return d.byStopWords(text)
}

func (d *Detector) byScript(text string) (language.Tag, bool) {
	counts := make(map[language.Tag]int)
	letters := 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		for _, s := range scripts {
			if unicode.Is(s.table, r) {
				counts[s.tag]++
				break
			}
		}
	}
	if letters == 0 {
		return language.Und, false
	}

	// Kana marks Japanese even when Han characters dominate.
	if counts[language.Japanese] > 0 && counts[language.Japanese]+counts[language.Chinese] > letters/2 {
		return language.Japanese, true
	}

	best, bestCount := language.Und, 0
	for _, s := range scripts {
		if c := counts[s.tag]; c > bestCount {
			best, bestCount = s.tag, c
		}
	}
	if bestCount*2 > letters {
		return best, true
	}
	return language.Und, false
}

func (d *Detector) byStopWords(text string) (language.Tag, bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	hits := make(map[language.Tag]int)
	for _, w := range words {
		for _, tag := range d.index[w] {
			hits[tag]++
		}
	}

	var (
		best             = language.Und
		bestHits, second int
	)
	for tag, n := range hits {
		switch {
		case n > bestHits:
			second = bestHits
			best, bestHits = tag, n
		case n > second:
			second = n
		}
	}
	if bestHits < d.minHits || bestHits == second {
		return language.Und, false
	}
	return best, true
}

// Name returns the lowercase English name of tag's base language, the form
// used for full text search configurations ("english", "french").
func Name(tag language.Tag) string {
	base, _ := tag.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return ""
	}
	return strings.ToLower(name)
}
