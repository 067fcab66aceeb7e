package audit

import (
	"context"
	"log/slog"
	"sync"
)

// StreamCache caches the immutable (stream_type, stream_key) → stream mapping.
// Cache failures never fail a resolve; the store stays authoritative.
type StreamCache interface {
	Get(ctx context.Context, streamType, streamKey string) (*Stream, bool, error)
	Set(ctx context.Context, stream *Stream) error
}

// Registry resolves logical stream coordinates to durable streams.
type Registry struct {
	store  Store
	cache  StreamCache
	logger *slog.Logger
}

// NewRegistry creates a registry over store. cache may be nil.
func NewRegistry(store Store, cache StreamCache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cache: cache, logger: logger}
}

// Resolve returns the stream for (streamType, streamKey), creating it on first use.
func (r *Registry) Resolve(ctx context.Context, streamType, streamKey string) (*Stream, error) {
	if r.cache != nil {
		st, ok, err := r.cache.Get(ctx, streamType, streamKey)
		if err != nil {
			r.logger.Warn("stream cache lookup failed",
				"stream_type", streamType,
				"error", err,
			)
		} else if ok {
			return st, nil
		}
	}

	st, err := r.store.ResolveStream(ctx, streamType, streamKey)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, st); err != nil {
			r.logger.Warn("stream cache store failed",
				"stream_id", st.ID,
				"error", err,
			)
		}
	}
	return st, nil
}

// InMemoryStreamCache is a process-local StreamCache.
type InMemoryStreamCache struct {
	mu      sync.RWMutex
	streams map[streamKey]Stream
}

// NewInMemoryStreamCache creates an empty cache.
func NewInMemoryStreamCache() *InMemoryStreamCache {
	return &InMemoryStreamCache{streams: make(map[streamKey]Stream)}
}

// Get returns the cached stream, if any.
func (c *InMemoryStreamCache) Get(_ context.Context, streamType, key string) (*Stream, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.streams[streamKey{typ: streamType, key: key}]
	if !ok {
		return nil, false, nil
	}
	return &st, true, nil
}

// Set caches stream.
func (c *InMemoryStreamCache) Set(_ context.Context, stream *Stream) error {
	c.mu.Lock()
	c.streams[streamKey{typ: stream.Type, key: stream.Key}] = *stream
	c.mu.Unlock()
	return nil
}
