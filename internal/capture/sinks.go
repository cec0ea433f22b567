package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/google/uuid"
)

// StreamSink appends every row as JSON to a capped signal-bus stream.
type StreamSink struct {
	bus    domain.SignalBus
	stream string
}

// NewStreamSink returns a sink writing to stream.
func NewStreamSink(bus domain.SignalBus, stream string) *StreamSink {
	return &StreamSink{bus: bus, stream: stream}
}

// WriteRows implements domain.RowSink.
func (s *StreamSink) WriteRows(ctx context.Context, rows []domain.CaptureRow) error {
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("capture: encode row: %w", err)
		}
		if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
			return fmt.Errorf("capture: stream append: %w", err)
		}
	}
	return nil
}

// Archive buffers rows per market window and uploads each finished window
// as one CSV object. Object names carry the process run id so restarts
// inside a window never overwrite an earlier upload.
type Archive struct {
	blob   domain.BlobWriter
	prefix string
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]*windowBuffer
	wg      sync.WaitGroup
}

type windowBuffer struct {
	slug string
	rows []domain.CaptureRow
}

var (
	_ domain.RowSink = (*Archive)(nil)
	_ domain.RowSink = (*StreamSink)(nil)
)

// NewArchive returns an archive uploading under prefix.
func NewArchive(blob domain.BlobWriter, prefix string, logger *slog.Logger) *Archive {
	return &Archive{
		blob:    blob,
		prefix:  prefix,
		runID:   uuid.NewString(),
		logger:  logger.With(slog.String("component", "archive")),
		buffers: make(map[string]*windowBuffer),
	}
}

// WriteRows buffers rows; a row for a new window flushes the previous one
// in the background.
func (a *Archive) WriteRows(ctx context.Context, rows []domain.CaptureRow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rows {
		buf, ok := a.buffers[r.MarketKey]
		if ok && buf.slug != r.MarketSlug {
			a.flushLocked(ctx, r.MarketKey, buf)
			ok = false
		}
		if !ok {
			buf = &windowBuffer{slug: r.MarketSlug}
			a.buffers[r.MarketKey] = buf
		}
		buf.rows = append(buf.rows, r)
	}
	return nil
}

// ObjectPath returns the object name for one window of key.
func (a *Archive) ObjectPath(key, slug string) string {
	return path.Join(a.prefix, key, slug+"-"+a.runID+".csv")
}

func (a *Archive) flushLocked(ctx context.Context, key string, buf *windowBuffer) {
	delete(a.buffers, key)
	if len(buf.rows) == 0 {
		return
	}
	object := a.ObjectPath(key, buf.slug)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		var b bytes.Buffer
		if err := WriteCSV(&b, buf.rows); err != nil {
			a.logger.Error("encode window", slog.String("object", object), slog.String("error", err.Error()))
			return
		}
		if err := a.blob.Put(context.WithoutCancel(ctx), object, &b, "text/csv"); err != nil {
			a.logger.Error("upload window", slog.String("object", object), slog.String("error", err.Error()))
			return
		}
		a.logger.Info("window archived", slog.String("object", object), slog.Int("rows", len(buf.rows)))
	}()
}

// Close uploads every partially filled window and waits for uploads.
func (a *Archive) Close(ctx context.Context) {
	a.mu.Lock()
	for key, buf := range a.buffers {
		a.flushLocked(ctx, key, buf)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
