package population

import (
	"context"
	"sync"
	"time"

	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/common/models"
	"golang.org/x/sync/singleflight"
)

const defaultLoadTimeout = 2 * time.Minute

// Snapshot keeps the last loaded population in memory. Each successful load
// bumps the version, which keys cached evaluation results.
type Snapshot struct {
	source      Source
	group       singleflight.Group
	loadTimeout time.Duration

	mu       sync.RWMutex
	subjects []models.Subject
	version  int64
	loadedAt time.Time
	stale    bool
}

func NewSnapshot(source Source) *Snapshot {
	return &Snapshot{source: source, loadTimeout: defaultLoadTimeout, stale: true}
}

// Current returns the cached population, loading it first if needed. The
// returned slice is shared and must be treated as read-only.
func (s *Snapshot) Current(ctx context.Context) ([]models.Subject, int64, error) {
	s.mu.RLock()
	if !s.stale {
		subjects, version := s.subjects, s.version
		s.mu.RUnlock()
		return subjects, version, nil
	}
	s.mu.RUnlock()

	if err := s.Refresh(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subjects, s.version, nil
}

// Refresh reloads from the source. Concurrent callers share one load, which
// is detached from any single caller's cancellation and bounded by the load
// timeout instead. A cancelled caller stops waiting; the load carries on for
// the others.
func (s *Snapshot) Refresh(ctx context.Context) error {
	ch := s.group.DoChan("load", func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()

		start := time.Now()
		subjects, err := s.source.Load(loadCtx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.subjects = subjects
		s.version++
		s.loadedAt = time.Now().UTC()
		s.stale = false
		version := s.version
		s.mu.Unlock()

		logger.Log.WithFields(map[string]interface{}{
			"subjects": len(subjects),
			"version":  version,
			"duration": time.Since(start).Milliseconds(),
		}).Info("Population snapshot refreshed")
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Invalidate marks the snapshot stale; the next Current call reloads.
func (s *Snapshot) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Snapshot) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *Snapshot) Ping(ctx context.Context) error {
	return s.source.Ping(ctx)
}
