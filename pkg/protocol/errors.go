package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a pipeline failure. The numeric values are part of the
// wire format.
type ErrorKind uint32

const (
	KindNone ErrorKind = iota
	KindDecode
	KindNetwork
	KindUnsupportedType
	KindExtraction
	KindChunkAssembly
	KindPersistence
	KindPlugin
)

var kindNames = [...]string{
	KindNone:            "none",
	KindDecode:          "decode error",
	KindNetwork:         "network error",
	KindUnsupportedType: "unsupported type",
	KindExtraction:      "extraction error",
	KindChunkAssembly:   "chunk assembly error",
	KindPersistence:     "persistence error",
	KindPlugin:          "plugin error",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("error kind %d", uint32(k))
}

// Error is the error type of the ingestion pipeline and of error packets.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrDecode          = &Error{Kind: KindDecode}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrUnsupportedType = &Error{Kind: KindUnsupportedType}
	ErrExtraction      = &Error{Kind: KindExtraction}
	ErrChunkAssembly   = &Error{Kind: KindChunkAssembly}
	ErrPersistence     = &Error{Kind: KindPersistence}
	ErrPlugin          = &Error{Kind: KindPlugin}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Detail is the message without the kind prefix.
func (e *Error) Detail() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error of kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of kind around err.
func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError returns err as an *Error, wrapping foreign errors as KindPlugin.
// It returns nil for a nil err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindPlugin, Err: err}
}
