package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/splax/docket/internal/ws"
)

// Trailer lines that end every relayed stream.
const (
	TrailerComplete    = "--- Build complete ---"
	TrailerErrorPrefix = "Log stream error: "
)

// LogSource follows a container's combined output.
type LogSource interface {
	StreamLogs(ctx context.Context, id string, w io.Writer) error
}

// Relay pushes container output to a client sink as it arrives.
type Relay struct {
	source LogSource
	logger *slog.Logger
	follow time.Duration
}

// New constructs a Relay. A positive follow window bounds how long a stream is
// followed; reaching it counts as a normal end.
func New(source LogSource, logger *slog.Logger, follow time.Duration) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{source: source, logger: logger.With("component", "relay"), follow: follow}
}

type sinkWriter struct {
	sink   ws.Sink
	err    error
	wrote  bool
	lastNL bool
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)
	if err := w.sink.Send(chunk); err != nil {
		w.err = err
		return 0, err
	}
	w.wrote = true
	w.lastNL = chunk[len(chunk)-1] == '\n'
	return len(p), nil
}

func (w *sinkWriter) line(text string) error {
	var buf bytes.Buffer
	if w.wrote && !w.lastNL {
		buf.WriteByte('\n')
	}
	buf.WriteString(text)
	buf.WriteByte('\n')
	w.wrote, w.lastNL = true, true
	return w.sink.Send(buf.Bytes())
}

// Stream relays containerRef's output to sink and finishes with a trailer:
// TrailerComplete when the stream ends, or TrailerErrorPrefix plus the cause
// when it breaks. A client that goes away gets no trailer and the returned
// error is the client's.
func (r *Relay) Stream(ctx context.Context, containerRef string, sink ws.Sink) error {
	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.follow > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, r.follow)
	}
	defer cancel()

	w := &sinkWriter{sink: sink}
	err := r.source.StreamLogs(streamCtx, containerRef, w)

	switch {
	case w.err != nil:
		r.logger.Debug("client left during log relay", "container_id", containerRef, "error", w.err)
		return w.err
	case ctx.Err() != nil:
		r.logger.Debug("log relay cancelled", "container_id", containerRef)
		return ctx.Err()
	case err == nil || (errors.Is(err, context.DeadlineExceeded) && streamCtx.Err() != nil):
		return w.line(TrailerComplete)
	default:
		r.logger.Warn("log stream broke", "container_id", containerRef, "error", err)
		if sendErr := w.line(TrailerErrorPrefix + err.Error()); sendErr != nil {
			return sendErr
		}
		return err
	}
}

// Line sends a single protocol line such as "[PORT] 5000" to sink.
func Line(sink ws.Sink, text string) error {
	return sink.Send([]byte(text + "\n"))
}
