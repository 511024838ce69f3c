package ws

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// TextClient writes raw chunks to a chunked text/plain response, flushing
// after every write.
type TextClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

// NewTextClient sets the streaming headers on w.
func NewTextClient(w http.ResponseWriter, flusher http.Flusher, logger *slog.Logger) *TextClient {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
	return &TextClient{writer: w, flusher: flusher, log: logger}
}

func (c *TextClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := c.writer.Write(payload); err != nil {
		c.closed = true
		c.log.Debug("text stream write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *TextClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
