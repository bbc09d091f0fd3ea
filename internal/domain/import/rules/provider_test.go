package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
)

type countingProvider struct {
	calls     int
	snapshots []*Snapshot
	err       error
}

func (p *countingProvider) Current(_ context.Context) (*Snapshot, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	s := p.snapshots[0]
	if len(p.snapshots) > 1 {
		p.snapshots = p.snapshots[1:]
	}
	return s, nil
}

func versioned(t *testing.T, version string) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(version, nil)
	require.NoError(t, err)
	return s
}

func TestStaticProvider(t *testing.T) {
	s := versioned(t, "v1")
	got, err := NewStaticProvider(s).Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = NewStaticProvider(nil).Current(context.Background())
	assert.ErrorIs(t, err, common.ErrRuleSnapshotUnavailable)
}

func TestCachedProvider_ServesWithinTTL(t *testing.T) {
	upstream := &countingProvider{snapshots: []*Snapshot{versioned(t, "v1"), versioned(t, "v2")}}
	p := NewCachedProvider(upstream, 10*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	first, err := p.Current(context.Background())
	require.NoError(t, err)
	second, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, upstream.calls)

	now = now.Add(11 * time.Minute)
	third, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", third.Version())
	assert.Equal(t, "v1", first.Version(), "a pinned snapshot never changes")
}

func TestCachedProvider_Invalidate(t *testing.T) {
	upstream := &countingProvider{snapshots: []*Snapshot{versioned(t, "v1"), versioned(t, "v2")}}
	p := NewCachedProvider(upstream, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.Current(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	got, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version())
}

func TestCachedProvider_Errors(t *testing.T) {
	upstream := &countingProvider{err: errors.New("db down")}
	p := NewCachedProvider(upstream, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.Current(context.Background())
	assert.ErrorIs(t, err, common.ErrRuleSnapshotUnavailable)

	upstream.err = nil
	upstream.snapshots = []*Snapshot{versioned(t, "v1")}
	got, err := p.Current(context.Background())
	require.NoError(t, err)

	upstream.err = errors.New("db down again")
	p.Invalidate()
	stale, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, got, stale)
}
