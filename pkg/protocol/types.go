package protocol

// Core types exchanged between ingestion plugins and their host.
// Wire encoding lives in envelope.go; these are the decoded Go shapes.

import (
	"fmt"
	"strings"
)

// EntryType identifies the kind of content an entry points at.
type EntryType int32

const (
	TypeUnknown EntryType = iota
	TypeHTML
	TypeMarkdown
	TypePlainText
	TypePDF
	TypeImage
	TypeAudio
	TypeVideo
)

var entryTypeNames = [...]string{
	TypeUnknown:   "Unknown",
	TypeHTML:      "HTML",
	TypeMarkdown:  "Markdown",
	TypePlainText: "PlainText",
	TypePDF:       "PDF",
	TypeImage:     "Image",
	TypeAudio:     "Audio",
	TypeVideo:     "Video",
}

func (t EntryType) String() string {
	if t >= 0 && int(t) < len(entryTypeNames) {
		return entryTypeNames[t]
	}
	return fmt.Sprintf("EntryType(%d)", int32(t))
}

// ParseEntryType parses the text form of an entry type, ignoring case.
func ParseEntryType(s string) (EntryType, error) {
	for i, name := range entryTypeNames {
		if strings.EqualFold(s, name) {
			return EntryType(i), nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown entry type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t EntryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EntryType) UnmarshalText(b []byte) error {
	parsed, err := ParseEntryType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Entry is the unit of ingestion work. It is read-only to plugins; changes are
// requested through UpdateEntryOpts.
type Entry struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Type    EntryType `json:"type"`
	Content *string   `json:"content,omitempty"` // inline body, skips fetching
}

// Content is the derived representation of an entry.
type Content struct {
	Markdown  string `json:"markdown"`
	PlainText string `json:"plain_text"`
}

// MinimumVersion is the chunk format version written by current plugins.
const MinimumVersion int32 = 1

// Chunk is one indexed, language-tagged segment of an entry's text.
type Chunk struct {
	EntryID        string `json:"entry_id"`
	Index          int32  `json:"index"`
	MinimumVersion int32  `json:"minimum_version"`
	Content        string `json:"content"`
	Language       string `json:"language"`
}

// ChunkResult is the host's reply to a chunking call. Count is the number of
// chunks the host declared; it equals len(Chunks) for a well-formed reply.
type ChunkResult struct {
	Chunks []string
	Count  uint32
}

// Method is a network request method.
type Method int32

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodPatch
	MethodDelete
	MethodHead
)

var methodNames = [...]string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}

func (m Method) String() string {
	if m >= 0 && int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", int32(m))
}

// RequestOpts describes a fetch call.
type RequestOpts struct {
	Method  Method
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the result of a fetch call. Err is set when the host could not
// perform the request at all; StatusCode is then zero.
type Response struct {
	StatusCode uint32
	Body       []byte
	Headers    map[string]string
	Err        *Error
}

// UpdateEntryOpts requests an update of an entry's derived fields. Nil fields
// are left untouched.
type UpdateEntryOpts struct {
	ID       string
	Name     *string
	Content  *Content
	Checksum *string
}

// CreateChunksOpts requests the replacement of one entry's chunk set. An
// empty Chunks clears the set.
type CreateChunksOpts struct {
	EntryID string
	Chunks  []Chunk
}

// Result is the host's reply to a persistence call.
type Result struct {
	Count uint32
	Err   *Error
}
