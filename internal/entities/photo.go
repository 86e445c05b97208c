package entities

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/dailyconnect/internal/core/state"
)

// PhotoContentType is the MIME type served for activity photos.
const PhotoContentType = "image/jpeg"

// PhotoFetcher downloads photo bytes. api.Client satisfies it.
type PhotoFetcher interface {
	Photo(ctx context.Context, photoID string, thumbnail bool) ([]byte, error)
}

// Photo is a downloaded activity photo.
type Photo struct {
	ID          string
	Data        []byte
	ContentType string
	FetchedAt   time.Time
}

// PhotoCache keeps the latest photo per child and only downloads again when
// the photo id changes.
type PhotoCache struct {
	fetch PhotoFetcher
	log   *slog.Logger
	now   func() time.Time

	mu     sync.Mutex
	photos map[string]Photo
}

// NewPhotoCache creates an empty cache.
func NewPhotoCache(fetch PhotoFetcher, log *slog.Logger) *PhotoCache {
	return &PhotoCache{
		fetch:  fetch,
		log:    log,
		now:    time.Now,
		photos: make(map[string]Photo),
	}
}

// Latest returns the child's latest photo. ok is false when the activity
// list carries no photo.
func (p *PhotoCache) Latest(ctx context.Context, childID string, child state.ChildSnapshot) (photo Photo, ok bool, err error) {
	id, found := LatestPhotoID(child)
	if !found {
		p.log.Debug("no photo available", "child_id", childID)
		return Photo{}, false, nil
	}

	p.mu.Lock()
	cached, hit := p.photos[childID]
	p.mu.Unlock()
	if hit && cached.ID == id && len(cached.Data) > 0 {
		return cached, true, nil
	}

	data, err := p.fetch.Photo(ctx, id, false)
	if err != nil {
		p.log.Warn("failed to fetch photo", "child_id", childID, "photo_id", id, "error", err)
		return Photo{}, false, fmt.Errorf("entities: photo %s: %w", id, err)
	}
	if len(data) == 0 {
		return Photo{}, false, fmt.Errorf("entities: photo %s: empty body", id)
	}

	photo = Photo{ID: id, Data: data, ContentType: PhotoContentType, FetchedAt: p.now()}
	p.mu.Lock()
	p.photos[childID] = photo
	p.mu.Unlock()
	p.log.Debug("fetched photo", "child_id", childID, "photo_id", id, "bytes", len(data))
	return photo, true, nil
}
