package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"SnippetAI/internal/session"
)

// ContentTypeNDJSON is the media type of NDJSON streams
const ContentTypeNDJSON = "application/x-ndjson"

const writeWait = 10 * time.Second

// NDJSONSink writes one JSON frame per line and flushes after each
type NDJSONSink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONSink creates a sink over w. Flushing is skipped when w cannot flush.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	s := &NDJSONSink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Send writes ev as a single line
func (s *NDJSONSink) Send(ev session.Event) error {
	data, err := json.Marshal(FrameOf(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// AckFrame is the client-to-server acknowledgement
type AckFrame struct {
	Ack int64 `json:"ack"`
}

// WebSocketSink sends frames as JSON text messages
type WebSocketSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketSink wraps an upgraded connection
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send writes ev as a text frame
func (s *WebSocketSink) Send(ev session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(FrameOf(ev))
}

// ReadAcks reads client frames until the connection fails, calling onAck for each
// acknowledgement. Other frames are ignored.
func (s *WebSocketSink) ReadAcks(onAck func(seq int64)) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		var ack AckFrame
		if err := json.Unmarshal(data, &ack); err != nil {
			continue
		}
		onAck(ack.Ack)
	}
}

// Close sends a normal close frame with reason and closes the connection
func (s *WebSocketSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}
