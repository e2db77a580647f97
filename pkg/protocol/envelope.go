package protocol

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope layout: a 4 byte header ('H', 'B', version, message type) followed
// by a protobuf wire-format body as described in schema/hub.proto.
//
// Decoders walk the body as sub-slices of the caller's buffer and validate
// UTF-8 in place. Strings are copied once into the returned value, since the
// buffer is usually released right after decoding.

const (
	headerSize  = 4
	wireVersion = 1
)

// MessageType identifies the root message of an envelope.
type MessageType uint8

const (
	MessageEntry MessageType = iota + 1
	MessageChunkResult
	MessageRequest
	MessageResponse
	MessageUpdateEntry
	MessageCreateChunks
	MessageResult
	MessageError
)

var messageNames = [...]string{
	MessageEntry:        "Entry",
	MessageChunkResult:  "ChunkResult",
	MessageRequest:      "Request",
	MessageResponse:     "Response",
	MessageUpdateEntry:  "UpdateEntry",
	MessageCreateChunks: "CreateChunks",
	MessageResult:       "Result",
	MessageError:        "Error",
}

func (t MessageType) String() string {
	if t > 0 && int(t) < len(messageNames) {
		return messageNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// PeekType returns the message type of an envelope without decoding it.
func PeekType(b []byte) (MessageType, bool) {
	if len(b) < headerSize || b[0] != 'H' || b[1] != 'B' {
		return 0, false
	}
	return MessageType(b[3]), true
}

func appendHeader(b []byte, t MessageType) []byte {
	return append(b, 'H', 'B', wireVersion, byte(t))
}

func openEnvelope(b []byte, t MessageType) ([]byte, error) {
	if len(b) < headerSize || b[0] != 'H' || b[1] != 'B' {
		return nil, Errorf(KindDecode, "%s envelope: root object unreadable", t)
	}
	if b[2] != wireVersion {
		return nil, Errorf(KindDecode, "%s envelope: unsupported version %d", t, b[2])
	}
	if got := MessageType(b[3]); got != t {
		return nil, Errorf(KindDecode, "expected %s envelope, got %s", t, got)
	}
	return b[headerSize:], nil
}

// field is one decoded tag/value pair. bytes aliases the input buffer.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) mismatch(name string) error {
	return Errorf(KindDecode, "field %s: unexpected wire type %d", name, f.typ)
}

func (f field) str(name string) (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.mismatch(name)
	}
	if !utf8.Valid(f.bytes) {
		return "", Errorf(KindDecode, "field %s: invalid UTF-8", name)
	}
	return string(f.bytes), nil
}

func (f field) raw(name string) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.mismatch(name)
	}
	return append([]byte(nil), f.bytes...), nil
}

func (f field) message(name string) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.mismatch(name)
	}
	return f.bytes, nil
}

func (f field) uint(name string) (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.mismatch(name)
	}
	return f.varint, nil
}

func (f field) int32(name string) (int32, error) {
	v, err := f.uint(name)
	return int32(v), err
}

// eachField walks the fields of a message body. Unknown wire types are skipped.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Wrap(KindDecode, protowire.ParseError(n), "malformed tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Wrap(KindDecode, protowire.ParseError(m), fmt.Sprintf("field %d", num))
			}
			f.varint = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Wrap(KindDecode, protowire.ParseError(m), fmt.Sprintf("field %d", num))
			}
			f.bytes = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Wrap(KindDecode, protowire.ParseError(m), fmt.Sprintf("field %d", num))
			}
			b = b[m:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendInt32 uses the protobuf int32 encoding (sign-extended varint).
func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	return appendBytes(b, num, body)
}

// ---- Entry ----

// EncodeEntry encodes e as an Entry envelope.
func EncodeEntry(e Entry) []byte {
	b := appendHeader(make([]byte, 0, headerSize+len(e.ID)+len(e.Name)+len(e.URL)+16), MessageEntry)
	b = appendString(b, 1, e.ID)
	if e.Name != "" {
		b = appendString(b, 2, e.Name)
	}
	b = appendString(b, 3, e.URL)
	b = appendInt32(b, 4, int32(e.Type))
	if e.Content != nil {
		b = appendString(b, 5, *e.Content)
	}
	return b
}

// DecodeEntry decodes an Entry envelope.
func DecodeEntry(b []byte) (Entry, error) {
	body, err := openEnvelope(b, MessageEntry)
	if err != nil {
		return Entry{}, err
	}

	var (
		e     Entry
		hasID bool
	)
	err = eachField(body, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.ID, err = f.str("id")
			hasID = true
		case 2:
			e.Name, err = f.str("name")
		case 3:
			e.URL, err = f.str("url")
		case 4:
			var v int32
			v, err = f.int32("type")
			e.Type = EntryType(v)
		case 5:
			var s string
			s, err = f.str("content")
			e.Content = &s
		}
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if !hasID || e.ID == "" {
		return Entry{}, Errorf(KindDecode, "Entry envelope: id is required")
	}
	return e, nil
}

// ---- ChunkResult ----

// EncodeChunkResult encodes a chunk list. Count is written as len(chunks).
func EncodeChunkResult(chunks []string) []byte {
	size := headerSize + 8
	for _, c := range chunks {
		size += len(c) + 6
	}
	b := appendHeader(make([]byte, 0, size), MessageChunkResult)
	for _, c := range chunks {
		b = appendString(b, 1, c)
	}
	return appendVarint(b, 2, uint64(len(chunks)))
}

// DecodeChunkResult decodes a ChunkResult envelope, preserving chunk order.
// When the count field is absent it defaults to the number of chunks.
func DecodeChunkResult(b []byte) (ChunkResult, error) {
	body, err := openEnvelope(b, MessageChunkResult)
	if err != nil {
		return ChunkResult{}, err
	}

	var (
		res      ChunkResult
		hasCount bool
	)
	err = eachField(body, func(f field) error {
		switch f.num {
		case 1:
			s, err := f.str("chunks")
			if err != nil {
				return err
			}
			res.Chunks = append(res.Chunks, s)
		case 2:
			v, err := f.uint("count")
			if err != nil {
				return err
			}
			res.Count = uint32(v)
			hasCount = true
		}
		return nil
	})
	if err != nil {
		return ChunkResult{}, err
	}
	if !hasCount {
		res.Count = uint32(len(res.Chunks))
	}
	return res, nil
}

// ---- Request / Response ----

func appendHeaders(b []byte, num protowire.Number, headers map[string]string) []byte {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var h []byte
		h = appendString(h, 1, k)
		h = appendString(h, 2, headers[k])
		b = appendMessage(b, num, h)
	}
	return b
}

func decodeHeader(body []byte, into map[string]string) error {
	var key, value string
	err := eachField(body, func(f field) error {
		var err error
		switch f.num {
		case 1:
			key, err = f.str("header.key")
		case 2:
			value, err = f.str("header.value")
		}
		return err
	})
	if err != nil {
		return err
	}
	into[key] = value
	return nil
}

// EncodeRequest encodes a fetch request.
func EncodeRequest(r RequestOpts) []byte {
	b := appendHeader(nil, MessageRequest)
	b = appendInt32(b, 1, int32(r.Method))
	b = appendString(b, 2, r.URL)
	b = appendHeaders(b, 3, r.Headers)
	if r.Body != nil {
		b = appendBytes(b, 4, r.Body)
	}
	return b
}

// DecodeRequest decodes a Request envelope.
func DecodeRequest(b []byte) (RequestOpts, error) {
	body, err := openEnvelope(b, MessageRequest)
	if err != nil {
		return RequestOpts{}, err
	}

	var r RequestOpts
	err = eachField(body, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v int32
			v, err = f.int32("method")
			r.Method = Method(v)
		case 2:
			r.URL, err = f.str("url")
		case 3:
			var m []byte
			if m, err = f.message("headers"); err == nil {
				if r.Headers == nil {
					r.Headers = make(map[string]string)
				}
				err = decodeHeader(m, r.Headers)
			}
		case 4:
			r.Body, err = f.raw("body")
		}
		return err
	})
	if err != nil {
		return RequestOpts{}, err
	}
	return r, nil
}

// EncodeResponse encodes a fetch response.
func EncodeResponse(r Response) []byte {
	b := appendHeader(make([]byte, 0, headerSize+len(r.Body)+32), MessageResponse)
	b = appendVarint(b, 1, uint64(r.StatusCode))
	if r.Body != nil {
		b = appendBytes(b, 2, r.Body)
	}
	b = appendHeaders(b, 3, r.Headers)
	if r.Err != nil {
		b = appendMessage(b, 4, errorBody(nil, r.Err.Kind, r.Err.Detail()))
	}
	return b
}

// DecodeResponse decodes a Response envelope.
func DecodeResponse(b []byte) (Response, error) {
	body, err := openEnvelope(b, MessageResponse)
	if err != nil {
		return Response{}, err
	}

	var r Response
	err = eachField(body, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint64
			v, err = f.uint("status_code")
			r.StatusCode = uint32(v)
		case 2:
			r.Body, err = f.raw("body")
		case 3:
			var m []byte
			if m, err = f.message("headers"); err == nil {
				if r.Headers == nil {
					r.Headers = make(map[string]string)
				}
				err = decodeHeader(m, r.Headers)
			}
		case 4:
			var m []byte
			if m, err = f.message("error"); err == nil {
				r.Err, err = decodeErrorBody(m)
			}
		}
		return err
	})
	if err != nil {
		return Response{}, err
	}
	return r, nil
}

// ---- UpdateEntry ----

// EncodeUpdateEntry encodes an entry update request.
func EncodeUpdateEntry(u UpdateEntryOpts) []byte {
	b := appendHeader(nil, MessageUpdateEntry)
	b = appendString(b, 1, u.ID)
	if u.Name != nil {
		b = appendString(b, 2, *u.Name)
	}
	if u.Content != nil {
		var c []byte
		c = appendString(c, 1, u.Content.Markdown)
		c = appendString(c, 2, u.Content.PlainText)
		b = appendMessage(b, 3, c)
	}
	if u.Checksum != nil {
		b = appendString(b, 4, *u.Checksum)
	}
	return b
}

// DecodeUpdateEntry decodes an UpdateEntry envelope.
func DecodeUpdateEntry(b []byte) (UpdateEntryOpts, error) {
	body, err := openEnvelope(b, MessageUpdateEntry)
	if err != nil {
		return UpdateEntryOpts{}, err
	}

	var u UpdateEntryOpts
	err = eachField(body, func(f field) error {
		switch f.num {
		case 1:
			id, err := f.str("id")
			u.ID = id
			return err
		case 2:
			name, err := f.str("name")
			u.Name = &name
			return err
		case 3:
			m, err := f.message("content")
			if err != nil {
				return err
			}
			u.Content = &Content{}
			return eachField(m, func(cf field) error {
				var err error
				switch cf.num {
				case 1:
					u.Content.Markdown, err = cf.str("content.markdown")
				case 2:
					u.Content.PlainText, err = cf.str("content.plain_text")
				}
				return err
			})
		case 4:
			sum, err := f.str("checksum")
			u.Checksum = &sum
			return err
		}
		return nil
	})
	if err != nil {
		return UpdateEntryOpts{}, err
	}
	if u.ID == "" {
		return UpdateEntryOpts{}, Errorf(KindDecode, "UpdateEntry envelope: id is required")
	}
	return u, nil
}

// ---- CreateChunks ----

// EncodeCreateChunks encodes a chunk creation request.
func EncodeCreateChunks(c CreateChunksOpts) []byte {
	size := headerSize + len(c.EntryID) + 2
	for _, ch := range c.Chunks {
		size += len(ch.EntryID) + len(ch.Content) + len(ch.Language) + 24
	}
	b := appendHeader(make([]byte, 0, size), MessageCreateChunks)
	for _, ch := range c.Chunks {
		var m []byte
		m = appendString(m, 1, ch.EntryID)
		m = appendInt32(m, 2, ch.Index)
		m = appendInt32(m, 3, ch.MinimumVersion)
		m = appendString(m, 4, ch.Content)
		m = appendString(m, 5, ch.Language)
		b = appendMessage(b, 1, m)
	}
	b = appendString(b, 2, c.EntryID)
	return b
}

// DecodeCreateChunks decodes a CreateChunks envelope, preserving order.
func DecodeCreateChunks(b []byte) (CreateChunksOpts, error) {
	body, err := openEnvelope(b, MessageCreateChunks)
	if err != nil {
		return CreateChunksOpts{}, err
	}

	var c CreateChunksOpts
	err = eachField(body, func(f field) error {
		switch f.num {
		case 1:
		case 2:
			id, err := f.str("entry_id")
			c.EntryID = id
			return err
		default:
			return nil
		}
		m, err := f.message("chunks")
		if err != nil {
			return err
		}
		var ch Chunk
		err = eachField(m, func(cf field) error {
			var err error
			switch cf.num {
			case 1:
				ch.EntryID, err = cf.str("chunk.entry_id")
			case 2:
				ch.Index, err = cf.int32("chunk.index")
			case 3:
				ch.MinimumVersion, err = cf.int32("chunk.minimum_version")
			case 4:
				ch.Content, err = cf.str("chunk.content")
			case 5:
				ch.Language, err = cf.str("chunk.language")
			}
			return err
		})
		if err != nil {
			return err
		}
		c.Chunks = append(c.Chunks, ch)
		return nil
	})
	if err != nil {
		return CreateChunksOpts{}, err
	}
	if c.EntryID == "" {
		return CreateChunksOpts{}, Errorf(KindDecode, "CreateChunks envelope: entry_id is required")
	}
	return c, nil
}

// ---- Result ----

// EncodeResult encodes a persistence reply.
func EncodeResult(r Result) []byte {
	b := appendHeader(nil, MessageResult)
	b = appendVarint(b, 1, uint64(r.Count))
	if r.Err != nil {
		b = appendMessage(b, 2, errorBody(nil, r.Err.Kind, r.Err.Detail()))
	}
	return b
}

// DecodeResult decodes a Result envelope.
func DecodeResult(b []byte) (Result, error) {
	body, err := openEnvelope(b, MessageResult)
	if err != nil {
		return Result{}, err
	}

	var r Result
	err = eachField(body, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint("count")
			r.Count = uint32(v)
			return err
		case 2:
			m, err := f.message("error")
			if err != nil {
				return err
			}
			r.Err, err = decodeErrorBody(m)
			return err
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return r, nil
}

// ---- Error packets ----

func errorBody(b []byte, kind ErrorKind, message string) []byte {
	b = appendVarint(b, 1, uint64(kind))
	if message != "" {
		b = appendString(b, 2, message)
	}
	return b
}

func decodeErrorBody(body []byte) (*Error, error) {
	e := &Error{Kind: KindPlugin}
	err := eachField(body, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint("error.kind")
			e.Kind = ErrorKind(v)
			return err
		case 2:
			msg, err := f.str("error.message")
			e.Message = msg
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// EncodeError encodes an error packet.
func EncodeError(kind ErrorKind, message string) []byte {
	return errorBody(appendHeader(make([]byte, 0, headerSize+len(message)+8), MessageError), kind, message)
}

// DecodeError decodes an error packet into an *Error.
func DecodeError(b []byte) (*Error, error) {
	body, err := openEnvelope(b, MessageError)
	if err != nil {
		return nil, err
	}
	return decodeErrorBody(body)
}
