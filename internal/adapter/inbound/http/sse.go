package http

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"unicode/utf8"
)

// errSinkClosed is returned by sink writes after the stream has ended.
var errSinkClosed = errors.New("sse sink closed")

// sseSink writes SSE frames to an open GET response. It is handed to the
// session as its stream sink, so Send is called from the session's routing
// path while shutdown races in from the HTTP handler; the mutex keeps frames
// whole and makes writes after shutdown fail cleanly instead of touching a
// finished ResponseWriter.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool

	once sync.Once
	done chan struct{}
}

func newSSESink(w io.Writer, flusher http.Flusher) *sseSink {
	return &sseSink{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// Comment writes an SSE comment frame (": <text>\n\n").
func (s *sseSink) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Send writes one outbound message as a data frame. Payloads that are not
// valid UTF-8 are base64-encoded so the frame stays well-formed.
func (s *sseSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}

	var err error
	if utf8.Valid(payload) {
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", payload)
	} else {
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", base64.StdEncoding.EncodeToString(payload))
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close ends the stream. Called by the session when it detaches or replaces
// the sink; unblocks the GET handler. Idempotent.
func (s *sseSink) Close() {
	s.shutdown()
}

// shutdown marks the sink dead and signals the handler to return.
func (s *sseSink) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}
