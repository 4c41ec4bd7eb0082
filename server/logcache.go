package server

import (
	"context"
	"log/slog"

	"github.com/European-XFEL/Karabo-sub011/hash"
	"github.com/European-XFEL/Karabo-sub011/pkg/buffer"
)

// Log cache defaults.
const (
	DefaultLogCacheSize  = 1000
	DefaultLoggerContent = 10
)

const logTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// cachingHandler copies each record it handles into a ring as a Hash of
// timestamp, type, category and message, then passes it on.
type cachingHandler struct {
	next     slog.Handler
	ring     *buffer.Ring[*hash.Hash]
	category string
}

func newCachingHandler(next slog.Handler, ring *buffer.Ring[*hash.Hash]) *cachingHandler {
	return &cachingHandler{next: next, ring: ring}
}

func (h *cachingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *cachingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.ring.Write(hash.New(
		"timestamp", r.Time.UTC().Format(logTimeFormat),
		"type", r.Level.String(),
		"category", h.category,
		"message", r.Message,
	))
	return h.next.Handle(ctx, r)
}

// WithAttrs takes the category from an instance_id attribute.
func (h *cachingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	category := h.category
	for _, a := range attrs {
		if a.Key == "instance_id" {
			category = a.Value.String()
		}
	}
	return &cachingHandler{next: h.next.WithAttrs(attrs), ring: h.ring, category: category}
}

func (h *cachingHandler) WithGroup(name string) slog.Handler {
	return &cachingHandler{next: h.next.WithGroup(name), ring: h.ring, category: h.category}
}

// newLogRing sizes the cache from o and exposes its counters when a
// registry is set and the names are still free.
func newLogRing(o options, serverID string) *buffer.Ring[*hash.Hash] {
	if o.registry != nil {
		r, err := buffer.NewRing[*hash.Hash](o.logCacheSize,
			buffer.WithMetrics[*hash.Hash](o.registry, "logcache/"+serverID))
		if err == nil {
			return r
		}
		o.logger.Debug("Log cache metrics unavailable", "server_id", serverID, "error", err)
	}
	r, _ := buffer.NewRing[*hash.Hash](o.logCacheSize)
	return r
}

// LoggerContent returns the newest n cached log records, oldest first.
func (s *Server) LoggerContent(n int) []*hash.Hash {
	if n <= 0 {
		n = DefaultLoggerContent
	}
	return s.logs.Last(n)
}
