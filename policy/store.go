package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"trading_gate/logs"
)

// Store publishes snapshots. Current is lock-free; Reload and Apply are
// serialized so a reload can never interleave with an applied proposal.
type Store struct {
	loader  *Loader
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	version uint64
}

// NewStore performs the initial load. Unlike Reload, a failure here is
// returned to the caller because there is no previous snapshot to keep.
func NewStore(ctx context.Context, loader *Loader) (*Store, error) {
	s := &Store{loader: loader}
	snap, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial policy load failed: %w", err)
	}
	s.publish(snap)
	return s, nil
}

// NewStaticStore wraps a prebuilt snapshot. Reload is a no-op without a loader.
func NewStaticStore(snap *Snapshot) *Store {
	s := &Store{}
	s.publish(snap)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from disk. On error the previous snapshot
// stays live.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loader == nil {
		return s.Current(), nil
	}
	snap, err := s.loader.Load(ctx)
	if err != nil {
		logs.Errorf("[Policy] Reload failed, keeping version %d: %v", s.version, err)
		return s.Current(), err
	}
	s.publish(snap)
	logs.Infof("[Policy] Reloaded policy: version=%d strategies=%d rules=%d flagged=%d",
		snap.Version, len(snap.Strategies), len(snap.Rules), len(snap.Flagged))
	return snap, nil
}

// Apply clones the live snapshot, lets mutate change the clone and publishes
// it. If mutate returns an error nothing is published.
func (s *Store) Apply(mutate func(*Snapshot) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.Current().Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.publish(next)
	return next, nil
}

func (s *Store) publish(snap *Snapshot) {
	s.version++
	snap.Version = s.version
	s.current.Store(snap)
}
