// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ContentType is the MIME type of an event stream.
const ContentType = "text/event-stream"

// Frame is one dispatched server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SetHeaders sets the standard streaming response headers.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteRetry writes the client reconnection hint.
func WriteRetry(w io.Writer, ms int64) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", ms)
	return err
}

// WriteEvent writes a named event without an id.
func WriteEvent(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// WriteData writes an unnamed event with an id. Multi-line data is split
// across data fields.
func WriteData(w io.Writer, id uint64, data []byte) error {
	var buf bytes.Buffer
	if id > 0 {
		fmt.Fprintf(&buf, "id: %d\n", id)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment writes a comment line, used for keepalives.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// Reader parses frames from an event stream.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

const maxFrameSize = 1 << 20

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: s}
}

// LastID returns the most recent event id seen on the stream.
func (r *Reader) LastID() string {
	return r.lastID
}

// Next returns the next dispatched frame. Frames that only carry a retry
// hint are returned with empty Data. It returns io.EOF at end of stream.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    strings.Builder
		hasData bool
		dirty   bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !dirty {
				continue
			}
			if hasData {
				f.Data = data.String()
			}
			if f.ID != "" {
				r.lastID = f.ID
			}
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
			dirty = true
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			dirty = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
				dirty = true
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				f.Retry = n
				dirty = true
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read event stream: %w", err)
	}
	return Frame{}, io.EOF
}
