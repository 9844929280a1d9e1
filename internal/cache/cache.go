package cache

import (
	"context"
	"time"

	"kasira/backend/internal/domain"
)

type InsightCache interface {
	Get(ctx context.Context, key string) (*domain.InsightReport, bool, error)
	Set(ctx context.Context, key string, value *domain.InsightReport, ttl time.Duration) error
}

type NoopInsightCache struct{}

func (NoopInsightCache) Get(_ context.Context, _ string) (*domain.InsightReport, bool, error) {
	return nil, false, nil
}

func (NoopInsightCache) Set(_ context.Context, _ string, _ *domain.InsightReport, _ time.Duration) error {
	return nil
}
