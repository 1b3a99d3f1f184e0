package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBatchSize  = 500
	maxParallelTables = 4
)

type TableReport struct {
	Table   string
	Pulled  int
	Pushed  int
	Skipped int
	// Cursor is the local watermark for the peer's log after the pass.
	Cursor  int64
	Err     error
}

type Report struct {
	Peer     string
	Tables   []TableReport
	Duration time.Duration
}

// Err joins the errors of the tables whose pass failed.
func (r *Report) Err() error {
	var errs []error
	for _, t := range r.Tables {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
	}
	return errors.Join(errs...)
}

// Coordinator runs bidirectional sync passes. Passes against the same peer
// never overlap. A caller asking for the same peer and tables while such a
// pass runs shares its result; a caller asking for other tables waits.
type Coordinator struct {
	local     *Replica
	batchSize int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	inflight  singleflight.Group

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewCoordinator(local *Replica, batchSize int, logger zerolog.Logger, m *metrics.Metrics) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Coordinator{
		local:     local,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		metrics:   m,
		locks:     make(map[string]chan struct{}),
	}
}

// Sync pulls the peer's unseen changes into the local replica and pushes the
// local ones out, table by table. Tables run concurrently; entries of one
// table are applied in order. An unreachable peer aborts the pass; an apply
// failure only stops its own table and leaves its cursor where it was.
func (c *Coordinator) Sync(ctx context.Context, peer Peer, tables []string) (*Report, error) {
	key := peer.ID() + "\x00" + strings.Join(tables, ",")
	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		release, err := c.acquire(ctx, peer.ID())
		if err != nil {
			return nil, err
		}
		defer release()
		return c.pass(ctx, peer, tables)
	})
	if v == nil {
		return nil, err
	}
	return v.(*Report), err
}

func (c *Coordinator) acquire(ctx context.Context, peerID string) (func(), error) {
	c.mu.Lock()
	lock, ok := c.locks[peerID]
	if !ok {
		lock = make(chan struct{}, 1)
		c.locks[peerID] = lock
	}
	c.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) pass(ctx context.Context, peer Peer, tables []string) (*Report, error) {
	start := time.Now()
	report := &Report{Peer: peer.ID(), Tables: make([]TableReport, len(tables))}
	logger := c.logger.With().Str("peer", peer.ID()).Logger()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTables)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			tr := c.syncTable(gctx, peer, table)
			report.Tables[i] = tr
			if errors.Is(tr.Err, ErrPeerUnavailable) {
				return tr.Err
			}
			return nil
		})
	}
	err := g.Wait()
	report.Duration = time.Since(start)
	if err == nil {
		err = report.Err()
	}
	c.metrics.SyncPass(peer.ID(), err, report.Duration)

	if errors.Is(err, ErrPeerUnavailable) {
		logger.Warn().Err(err).Msg("peer unavailable, sync pass aborted")
		return report, err
	}
	for _, tr := range report.Tables {
		event := logger.Info()
		if tr.Err != nil {
			event = logger.Error().Err(tr.Err)
		}
		event.Str("table", tr.Table).Int("pulled", tr.Pulled).Int("pushed", tr.Pushed).
			Int("skipped", tr.Skipped).Int64("cursor", tr.Cursor).Dur("duration", report.Duration).Msg("sync pass")
	}
	return report, err
}

func (c *Coordinator) syncTable(ctx context.Context, peer Peer, table string) TableReport {
	tr := TableReport{Table: table}
	if err := c.pull(ctx, peer, table, &tr); err != nil {
		tr.Err = err
		return tr
	}
	if err := c.push(ctx, peer, table, &tr); err != nil {
		tr.Err = err
	}
	return tr
}

// pull applies the peer's log to the local replica one page at a time.
func (c *Coordinator) pull(ctx context.Context, peer Peer, table string, tr *TableReport) error {
	cursor, err := c.local.Cursor(ctx, peer.ID(), table)
	if err != nil {
		return err
	}
	tr.Cursor = cursor
	for {
		entries, err := peer.ChangesSince(ctx, table, cursor, c.batchSize)
		if err != nil {
			return fmt.Errorf("failed to read %s from %s: %w", table, peer.ID(), err)
		}
		if len(entries) == 0 {
			return nil
		}
		res, err := c.local.Apply(ctx, peer.ID(), table, entries)
		if err != nil {
			return err
		}
		tr.Pulled += res.Applied
		tr.Skipped += res.Skipped
		if res.Cursor <= cursor {
			return nil
		}
		cursor = res.Cursor
		tr.Cursor = cursor
		if len(entries) < c.batchSize {
			return nil
		}
	}
}

// push sends the local log to the peer starting at the peer's own cursor.
func (c *Coordinator) push(ctx context.Context, peer Peer, table string, tr *TableReport) error {
	cursor, err := peer.Cursor(ctx, c.local.ID(), table)
	if err != nil {
		return fmt.Errorf("failed to read cursor of %s: %w", peer.ID(), err)
	}
	for {
		entries, err := c.local.ChangesSince(ctx, table, cursor, c.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		res, err := peer.Apply(ctx, c.local.ID(), table, entries)
		if err != nil {
			return fmt.Errorf("failed to push %s to %s: %w", table, peer.ID(), err)
		}
		tr.Pushed += res.Applied
		tr.Skipped += res.Skipped
		if res.Cursor <= cursor {
			return nil
		}
		cursor = res.Cursor
		if len(entries) < c.batchSize {
			return nil
		}
	}
}
