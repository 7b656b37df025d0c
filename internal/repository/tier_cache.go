package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ScreenPulse/internal/domain/models"
	domrepo "ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/cache"
	"ScreenPulse/pkg/logger"
)

// TierCachedStore decorates a Store with a short-lived tier cache. Tier
// lookups run once per screening reload, so a small TTL keeps tier changes
// visible within minutes while sparing the database the repeated point
// query. All other calls pass through.
type TierCachedStore struct {
	domrepo.Store
	cache cache.Service
	ttl   time.Duration
	l     *logger.Logger
}

func NewTierCachedStore(store domrepo.Store, c cache.Service, ttl time.Duration, l *logger.Logger) *TierCachedStore {
	return &TierCachedStore{
		Store: store,
		cache: c,
		ttl:   ttl,
		l:     l.With("tier_cache"),
	}
}

func tierKey(tenantID string) string {
	return fmt.Sprintf("tier:%s", tenantID)
}

func (s *TierCachedStore) GetUserTier(ctx context.Context, tenantID string) (models.Tier, error) {
	var cached string
	err := s.cache.Get(ctx, tierKey(tenantID), &cached)
	if err == nil && cached != "" {
		return models.ParseTier(cached), nil
	}
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		s.l.Debug("tier cache read failed", logger.Error(err))
	}

	tier, err := s.Store.GetUserTier(ctx, tenantID)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, tierKey(tenantID), string(tier), s.ttl); err != nil {
		s.l.Debug("tier cache write failed", logger.Error(err))
	}
	return tier, nil
}

// InvalidateTier drops the cached tier, forcing the next lookup through.
func (s *TierCachedStore) InvalidateTier(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, tierKey(tenantID)); err != nil {
		s.l.Debug("tier cache invalidate failed", logger.Error(err))
	}
}
