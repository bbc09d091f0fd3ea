package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
)

// Provider hands out the rule snapshot a batch should pin. Returned
// snapshots are immutable; publishing a new version never affects a
// snapshot already handed out.
type Provider interface {
	Current(ctx context.Context) (*Snapshot, error)
}

// ProviderFunc adapts a loader function to Provider.
type ProviderFunc func(ctx context.Context) (*Snapshot, error)

func (f ProviderFunc) Current(ctx context.Context) (*Snapshot, error) {
	return f(ctx)
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	snapshot *Snapshot
}

func NewStaticProvider(s *Snapshot) *StaticProvider {
	return &StaticProvider{snapshot: s}
}

func (p *StaticProvider) Current(_ context.Context) (*Snapshot, error) {
	if p.snapshot == nil {
		return nil, common.ErrRuleSnapshotUnavailable
	}
	return p.snapshot, nil
}

// FileProvider reloads a YAML rule file on every call.
func FileProvider(path string) Provider {
	return ProviderFunc(func(_ context.Context) (*Snapshot, error) {
		return LoadFromFile(path)
	})
}

// CachedProvider caches the snapshot of an upstream provider for a TTL.
// When a refresh fails and a previous snapshot exists, the previous one is
// served and the failure logged.
type CachedProvider struct {
	upstream Provider
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	snapshot  *Snapshot
	fetchedAt time.Time
}

func NewCachedProvider(upstream Provider, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *CachedProvider) Current(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snapshot != nil && p.now().Sub(p.fetchedAt) < p.ttl {
		return p.snapshot, nil
	}

	fresh, err := p.upstream.Current(ctx)
	if err != nil {
		if p.snapshot != nil {
			p.logger.WarnContext(ctx, "rule refresh failed, serving cached snapshot",
				slog.String("version", p.snapshot.Version()),
				slog.Any("error", err))
			return p.snapshot, nil
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRuleSnapshotUnavailable, err)
	}

	if p.snapshot == nil || p.snapshot.Version() != fresh.Version() {
		p.logger.InfoContext(ctx, "rule snapshot loaded",
			slog.String("version", fresh.Version()),
			slog.Int("rules", fresh.Len()))
	}
	p.snapshot = fresh
	p.fetchedAt = p.now()
	return fresh, nil
}

// Invalidate forces the next call to refresh from upstream.
func (p *CachedProvider) Invalidate() {
	p.mu.Lock()
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
}
