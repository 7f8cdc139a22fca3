package attachments

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/dashchat/pkg/metrics"
)

const (
	kindAttachment = "attachment"
	kindMedia      = "media"
)

// Fetcher retrieves raw attachment and media payloads from the backend.
type Fetcher interface {
	GetAttachment(ctx context.Context, attachmentID string) ([]byte, string, error)
	GetFile(ctx context.Context, filename string) ([]byte, string, error)
}

// Resolver maps attachment ids and media filenames to local content handles.
//
// Results are memoized per key. Concurrent resolutions of the same key share
// one fetch. A failed fetch is logged and yields "" so that a missing
// attachment never aborts timeline construction; failures are not cached.
type Resolver struct {
	fetcher Fetcher
	blobs   BlobStore

	mu          sync.Mutex
	attachments map[string]string
	media       map[string]string
	closed      bool

	group singleflight.Group
}

func NewResolver(fetcher Fetcher, blobs BlobStore) *Resolver {
	if blobs == nil {
		blobs = NewMemoryBlobStore()
	}
	return &Resolver{
		fetcher:     fetcher,
		blobs:       blobs,
		attachments: map[string]string{},
		media:       map[string]string{},
	}
}

// Resolve returns the handle for an attachment id.
func (r *Resolver) Resolve(ctx context.Context, attachmentID string) string {
	if r == nil || attachmentID == "" {
		return ""
	}
	return r.resolve(ctx, kindAttachment, attachmentID, func(ctx context.Context) ([]byte, string, error) {
		return r.fetcher.GetAttachment(ctx, attachmentID)
	})
}

// ResolveMedia returns the handle for a media file referenced by name, as used
// by image/record/file stream chunks and legacy history entries.
func (r *Resolver) ResolveMedia(ctx context.Context, filename string) string {
	if r == nil || filename == "" {
		return ""
	}
	return r.resolve(ctx, kindMedia, filename, func(ctx context.Context) ([]byte, string, error) {
		return r.fetcher.GetFile(ctx, filename)
	})
}

// Cached reports the cached handle for an attachment id without fetching.
func (r *Resolver) Cached(attachmentID string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.attachments[attachmentID]
	return h, ok
}

// Blob returns the bytes behind a handle minted by this resolver.
func (r *Resolver) Blob(handle string) ([]byte, string, bool) {
	if r == nil {
		return nil, "", false
	}
	return r.blobs.Get(handle)
}

// Close releases every minted blob and clears the caches.
func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	handles := make([]string, 0, len(r.attachments)+len(r.media))
	for _, h := range r.attachments {
		handles = append(handles, h)
	}
	for _, h := range r.media {
		handles = append(handles, h)
	}
	r.attachments = map[string]string{}
	r.media = map[string]string{}
	r.mu.Unlock()

	for _, h := range handles {
		r.blobs.Release(h)
	}
	return r.blobs.Close()
}

func (r *Resolver) resolve(
	ctx context.Context,
	kind string,
	key string,
	fetch func(ctx context.Context) ([]byte, string, error),
) string {
	if h, ok := r.lookup(kind, key); ok {
		metrics.AttachmentFetches.WithLabelValues("hit").Inc()
		return h
	}
	if r.fetcher == nil {
		log.Warn().Str("component", "attachments").Str("kind", kind).Str("key", key).Msg("no fetcher configured")
		return ""
	}

	v, _, _ := r.group.Do(kind+":"+key, func() (interface{}, error) {
		if h, ok := r.lookup(kind, key); ok {
			return h, nil
		}
		data, contentType, err := fetch(ctx)
		if err != nil {
			metrics.AttachmentFetches.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("component", "attachments").Str("kind", kind).Str("key", key).Msg("failed to get attachment")
			return "", nil
		}
		handle, err := r.blobs.Put(data, contentType)
		if err != nil {
			metrics.AttachmentFetches.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("component", "attachments").Str("kind", kind).Str("key", key).Msg("failed to store attachment")
			return "", nil
		}
		metrics.AttachmentFetches.WithLabelValues("fetched").Inc()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			r.blobs.Release(handle)
			return "", nil
		}
		r.cacheLocked(kind)[key] = handle
		r.mu.Unlock()
		return handle, nil
	})
	h, _ := v.(string)
	return h
}

func (r *Resolver) lookup(kind string, key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.cacheLocked(kind)[key]
	return h, ok
}

func (r *Resolver) cacheLocked(kind string) map[string]string {
	if kind == kindMedia {
		return r.media
	}
	return r.attachments
}
