package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEWriter handles Server-Sent Events writing. Writes are serialized so a
// writer can be shared by a broadcaster and a keep-alive loop.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}, nil
}

// WriteEvent writes an SSE event
func (s *SSEWriter) WriteEvent(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	for _, line := range strings.Split(string(jsonData), "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}

	// Empty line ends the event
	if _, err := fmt.Fprintf(s.w, "\n"); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

// WriteComment writes a comment line, used as a keep-alive
func (s *SSEWriter) WriteComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError writes an error event
func (s *SSEWriter) WriteError(err error) error {
	errorData := map[string]interface{}{
		"error": err.Error(),
		"type":  "error",
	}
	return s.WriteEvent("error", errorData)
}

// Close closes the SSE stream
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Frame is one "data:" payload of a stream, with the event name that preceded it
type Frame struct {
	Event string
	Data  string
}

// DoneSentinel terminates chat-completion streams
const DoneSentinel = "[DONE]"

// SplitFrames splits an accumulated stream into its data frames. Every data
// line is its own frame; comments, ids and the terminal sentinel are dropped.
func SplitFrames(accumulated []byte) []Frame {
	var frames []Frame
	var event string
	scanner := bufio.NewScanner(bytes.NewReader(accumulated))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == DoneSentinel {
				continue
			}
			frames = append(frames, Frame{Event: event, Data: data})
		}
	}
	return frames
}

// ParseSSEStream reads events from r until EOF or ctx is done, calling fn for
// each completed frame.
func ParseSSEStream(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	reader := bufio.NewReader(r)
	var currentEvent string
	var currentData strings.Builder

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				if currentData.Len() > 0 {
					return fn(Frame{Event: currentEvent, Data: currentData.String()})
				}
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line indicates end of event
		if line == "" {
			if currentData.Len() > 0 {
				if err := fn(Frame{Event: currentEvent, Data: currentData.String()}); err != nil {
					return err
				}
			}
			currentEvent = ""
			currentData.Reset()
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if currentData.Len() > 0 {
				currentData.WriteString("\n")
			}
			currentData.WriteString(data)
		}
	}
}
