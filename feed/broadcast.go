package feed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scorekeeper/changesync/store"
)

const subscriptionBuffer = 256

var ErrStopped = errors.New("broadcaster stopped")

// Subscription receives the entries of one table newer than its watermark.
// Events is closed on unsubscribe, on shutdown, or when the subscriber falls
// a full buffer behind; a lagging subscriber resubscribes from the logical
// time of the last entry it received.
type Subscription struct {
	ID     string
	Table  string
	Events <-chan store.Entry

	events chan store.Entry
	since  int64
	filter *Filter
	key    string
}

type unsubscribe struct {
	table string
	id    string
}

// Broadcaster polls the feed for every table that has subscribers and fans
// new entries out to them. Entries applied by sync reach subscribers the same
// way local writes do, since both only become visible through the log.
type Broadcaster struct {
	feed     *Feed
	interval time.Duration
	logger   zerolog.Logger

	streams map[string][]*Subscription
	msgChan chan interface{}
	kick    chan struct{}
	quit    chan struct{}
}

func NewBroadcaster(feed *Feed, interval time.Duration, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		feed:     feed,
		interval: interval,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
		streams:  make(map[string][]*Subscription),
		msgChan:  make(chan interface{}),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

func (b *Broadcaster) Start(quitChan chan struct{}) {
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		defer b.closeAll()
		for {
			select {
			case msg := <-b.msgChan:
				if s, ok := msg.(*Subscription); ok {
					b.streams[s.Table] = append(b.streams[s.Table], s)
				}
				if u, ok := msg.(*unsubscribe); ok {
					b.remove(u.table, u.id)
				}
			case <-ticker.C:
				b.poll()
			case <-b.kick:
				b.poll()
			case <-quitChan:
				close(b.quit)
				return
			}
		}
	}()
}

// Notify asks for an immediate poll, typically right after a local write.
func (b *Broadcaster) Notify() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Subscribe registers interest in table entries newer than since.
func (b *Broadcaster) Subscribe(ctx context.Context, table string, since int64, filter *Filter) (*Subscription, error) {
	if _, err := b.feed.registry.Table(table); err != nil {
		return nil, err
	}
	key := ""
	if filter != nil && len(filter.Key) > 0 {
		var err error
		if key, err = store.EncodeKey(filter.Key); err != nil {
			return nil, err
		}
	}
	events := make(chan store.Entry, subscriptionBuffer)
	s := &Subscription{
		ID:     uuid.New().String(),
		Table:  table,
		Events: events,
		events: events,
		since:  since,
		filter: filter,
		key:    key,
	}
	select {
	case b.msgChan <- s:
	case <-b.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.Notify()
	return s, nil
}

func (b *Broadcaster) Unsubscribe(s *Subscription) {
	select {
	case b.msgChan <- &unsubscribe{table: s.Table, id: s.ID}:
	case <-b.quit:
	}
}

func (b *Broadcaster) remove(table, id string) {
	var newSubs []*Subscription
	for _, sub := range b.streams[table] {
		if sub.ID != id {
			newSubs = append(newSubs, sub)
			continue
		}
		close(sub.events)
	}
	delete(b.streams, table)
	if len(newSubs) > 0 {
		b.streams[table] = newSubs
	}
}

func (b *Broadcaster) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), b.interval+5*time.Second)
	defer cancel()
	for table, subs := range b.streams {
		since := subs[0].since
		for _, sub := range subs[1:] {
			if sub.since < since {
				since = sub.since
			}
		}
		entries, err := b.feed.ChangesSince(ctx, table, since, nil)
		if err != nil {
			b.logger.Error().Err(err).Str("table", table).Msg("failed to poll change feed")
			continue
		}
		if len(entries) == 0 {
			continue
		}
		var lagging []string
		for _, sub := range subs {
			if !b.deliver(sub, entries) {
				lagging = append(lagging, sub.ID)
			}
		}
		for _, id := range lagging {
			b.logger.Warn().Str("table", table).Str("subscription", id).Msg("dropping lagging subscriber")
			b.remove(table, id)
		}
	}
}

func (b *Broadcaster) deliver(sub *Subscription, entries []store.Entry) bool {
	for _, e := range entries {
		if e.LogicalTime <= sub.since {
			continue
		}
		if sub.filter.match(e, sub.key) {
			select {
			case sub.events <- e:
			default:
				return false
			}
		}
		sub.since = e.LogicalTime
	}
	return true
}

func (b *Broadcaster) closeAll() {
	for table, subs := range b.streams {
		for _, sub := range subs {
			close(sub.events)
		}
		delete(b.streams, table)
	}
}
