package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	initialBufferSize = 64 * 1024
	maxRecordSize     = 16 * 1024 * 1024
)

// Decoder reads blank-line separated records from a response body and yields
// parsed chunks. Records that do not parse are reported to the skip handler
// and dropped; they never end the stream.
type Decoder struct {
	scanner *bufio.Scanner
	onSkip  func(record []byte, err error)
}

type DecoderOption func(*Decoder)

// WithSkipHandler replaces the default warn-level logging of skipped records.
func WithSkipHandler(fn func(record []byte, err error)) DecoderOption {
	return func(d *Decoder) {
		if fn != nil {
			d.onSkip = fn
		}
	}
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialBufferSize), maxRecordSize)
	sc.Split(splitRecords)
	d := &Decoder{
		scanner: sc,
		onSkip: func(record []byte, err error) {
			log.Warn().Err(err).Str("component", "sse").Str("record", truncate(string(record), 256)).Msg("skipping unparseable record")
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next valid chunk, io.EOF at the end of the stream, or the
// underlying read error.
func (d *Decoder) Next() (*Chunk, error) {
	for d.scanner.Scan() {
		payload := recordPayload(d.scanner.Bytes())
		if len(payload) == 0 {
			continue
		}
		chunk, err := ParseChunk(payload)
		if err != nil {
			d.onSkip(payload, err)
			continue
		}
		return chunk, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// splitRecords is a bufio.SplitFunc cutting on blank lines ("\n\n" or "\r\n\r\n").
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i, n := blankLine(data); i >= 0 {
		return i + n, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func blankLine(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

// recordPayload strips SSE field syntax. Lines prefixed with "data:" are joined;
// comment lines and other fields are ignored. A record without any field
// prefix is returned as-is.
func recordPayload(record []byte) []byte {
	text := strings.TrimSpace(string(record))
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var data []string
	sawField := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "data:"):
			sawField = true
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"),
			strings.HasPrefix(line, "event:"),
			strings.HasPrefix(line, "id:"),
			strings.HasPrefix(line, "retry:"):
			sawField = true
		}
	}
	if !sawField {
		return []byte(text)
	}
	return []byte(strings.TrimSpace(strings.Join(data, "\n")))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
