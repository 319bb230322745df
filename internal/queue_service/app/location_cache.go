package app

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aradsms/queue_services/internal/queue_service/domain"
)

// locationCache is a read-through cache over the location table. Locations are
// reference data, so entries never expire; misses are not cached.
type locationCache struct {
	repo domain.LocationRepository

	mu     sync.RWMutex
	byCode map[string]*domain.Location
	byID   map[uuid.UUID]*domain.Location
}

func newLocationCache(repo domain.LocationRepository) *locationCache {
	return &locationCache{
		repo:   repo,
		byCode: make(map[string]*domain.Location),
		byID:   make(map[uuid.UUID]*domain.Location),
	}
}

func (c *locationCache) GetByCode(ctx context.Context, code string) (*domain.Location, error) {
	code = strings.TrimSpace(code)
	c.mu.RLock()
	loc, ok := c.byCode[code]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := c.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	c.store(loc)
	return loc, nil
}

func (c *locationCache) GetByID(ctx context.Context, id uuid.UUID) (*domain.Location, error) {
	c.mu.RLock()
	loc, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(loc)
	return loc, nil
}

func (c *locationCache) store(loc *domain.Location) {
	c.mu.Lock()
	c.byCode[loc.Code] = loc
	c.byID[loc.ID] = loc
	c.mu.Unlock()
}
