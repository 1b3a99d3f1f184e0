package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs a pass per peer every interval and whenever the peer is
// triggered. Each peer has its own loop, so peers sync concurrently and a
// slow or unreachable peer holds up nobody else.
type Scheduler struct {
	coord    *Coordinator
	peers    []Peer
	tables   []string
	interval time.Duration
	logger   zerolog.Logger
	triggers map[string]chan struct{}
}

// NewScheduler creates a scheduler. An interval of zero disables periodic
// passes; peers then only sync when triggered.
func NewScheduler(coord *Coordinator, peers []Peer, tables []string, interval time.Duration, logger zerolog.Logger) *Scheduler {
	triggers := make(map[string]chan struct{}, len(peers))
	for _, p := range peers {
		triggers[p.ID()] = make(chan struct{}, 1)
	}
	return &Scheduler{
		coord:    coord,
		peers:    peers,
		tables:   tables,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		triggers: triggers,
	}
}

// Trigger requests an immediate pass against peerID. It reports false for
// an unknown peer.
func (s *Scheduler) Trigger(peerID string) bool {
	ch, ok := s.triggers[peerID]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// TriggerAll requests an immediate pass against every peer.
func (s *Scheduler) TriggerAll() {
	for id := range s.triggers {
		s.Trigger(id)
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			s.runPeer(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (s *Scheduler) runPeer(ctx context.Context, p Peer) {
	retry := newBackoff(DefaultBackoffInitial, s.interval)
	trigger := s.triggers[p.ID()]
	for {
		var wait <-chan time.Time
		_, err := s.coord.Sync(ctx, p, s.tables)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrPeerUnavailable) && s.interval > 0:
			wait = time.After(retry.Next())
		case s.interval > 0:
			retry.Reset()
			wait = time.After(s.interval)
		}

		if !s.waitForPass(ctx, wait, trigger) {
			return
		}
	}
}

func (s *Scheduler) waitForPass(ctx context.Context, wait <-chan time.Time, trigger <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wait:
	case <-trigger:
	}
	return true
}
