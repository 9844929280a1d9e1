package cache

import (
	"context"
	"sync"
	"time"

	"kasira/backend/internal/domain"
)

// MemoryInsightCache is a process-local TTL cache used when Redis is not configured.
type MemoryInsightCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	report    domain.InsightReport
	expiresAt time.Time
}

func NewMemoryInsightCache() *MemoryInsightCache {
	return &MemoryInsightCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryInsightCache) Get(_ context.Context, key string) (*domain.InsightReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	report := entry.report
	report.Insights = append([]domain.Insight(nil), entry.report.Insights...)
	return &report, true, nil
}

func (c *MemoryInsightCache) Set(_ context.Context, key string, value *domain.InsightReport, ttl time.Duration) error {
	if value == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	report := *value
	report.Insights = append([]domain.Insight(nil), value.Insights...)
	c.entries[key] = memoryEntry{report: report, expiresAt: c.now().Add(ttl)}
	return nil
}
