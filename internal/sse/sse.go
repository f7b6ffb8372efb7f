// Package sse reads and writes text/event-stream framing. The reader is used
// on upstream provider streams and by nudgectl; the writer frames the nudge
// stream sent to the dashboard.
package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string // from "event:" lines; empty for the default event type
	Data string // "data:" lines joined with "\n"
}

// Reader pulls events from a text/event-stream body one at a time.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r. The caller owns r and closes it.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next event with a non-empty data payload. It returns
// io.EOF once the stream ends cleanly. A trailing event without a closing
// blank line is still delivered before io.EOF.
func (r *Reader) Next() (Event, error) {
	var (
		name      string
		dataLines []string
	)

	for {
		line, err := r.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Blank line dispatches the pending event.
			if len(dataLines) > 0 {
				return Event{Name: name, Data: strings.Join(dataLines, "\n")}, nil
			}
			name = ""
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			if len(dataLines) > 0 {
				return Event{Name: name, Data: strings.Join(dataLines, "\n")}, nil
			}
			return Event{}, io.EOF
		}
	}
}

// Writer frames payloads as "data: <payload>\n\n" and flushes after each one
// so the client sees every frame as soon as it is produced.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter returns a Writer over w. When w is an http.ResponseWriter each
// frame is flushed through http.ResponseController.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		sw.rc = http.NewResponseController(rw)
	}
	return sw
}

// WriteData writes one frame. Payloads must not contain newlines; JSON
// produced by encoding/json never does.
func (sw *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	if sw.rc != nil {
		if err := sw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("sse: flush: %w", err)
		}
	}
	return nil
}
