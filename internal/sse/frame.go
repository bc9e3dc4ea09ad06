package sse

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// Frame is one Server-Sent Event on the wire: "id:", "event:", an optional
// "compressed: true" extension line, then "data:".
type Frame struct {
	ID         string
	Event      string
	Data       []byte
	Compressed bool
}

// encodeFrameData prepares a frame payload: JSON up to and including the
// threshold passes through, anything larger becomes base64(gzip(json)) and
// flags the frame as compressed.
func encodeFrameData(payload []byte, threshold int) ([]byte, bool, error) {
	if len(payload) <= threshold {
		return payload, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, false, fmt.Errorf("gzip frame payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("close gzip writer: %w", err)
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(encoded, buf.Bytes())
	return encoded, true, nil
}

// writeFrame writes one event frame. The "compressed: true" line is a
// protocol extension; standard EventSource clients ignore it.
func writeFrame(w io.Writer, f Frame) error {
	if f.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", f.ID); err != nil {
			return err
		}
	}
	if f.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", f.Event); err != nil {
			return err
		}
	}
	if f.Compressed {
		if _, err := io.WriteString(w, "compressed: true\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", f.Data); err != nil {
		return err
	}
	return nil
}

// writeRetry writes the reconnect-delay directive sent once per connection.
func writeRetry(w io.Writer, ms int) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", ms)
	return err
}

// writeHeartbeat writes the keepalive comment. Heartbeats carry no id and
// are never stored.
func writeHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}

// flush attempts to flush the writer if it implements Flusher.
func flush(w io.Writer) {
	if f, ok := w.(Flusher); ok && f != nil {
		f.Flush()
	}
}
