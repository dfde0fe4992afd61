package history

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultBatchSize is the number of records a poller reads per query.
const DefaultBatchSize = 100

// SubscriptionID identifies a subscription on one poller.
type SubscriptionID uint64

// Callback handles one record. A non-nil error stops delivery; the record is
// offered again on the next poll.
type Callback func(ctx context.Context, rec Record) error

type subscription struct {
	id SubscriptionID
	cb Callback

	// mark is the highest sequence this subscription has handled.
	mark int64
}

type options struct {
	batchSize int
	cursor    int64
	metrics   Metrics
	logger    *zap.Logger
}

func defaultOptions() options {
	return options{
		batchSize: DefaultBatchSize,
		cursor:    NoSequence,
		metrics:   NopMetrics(),
		logger:    zap.NewNop(),
	}
}

// Option configures a Poller or an Engine.
type Option func(*options)

// WithCursor starts a poller after the given sequence instead of NoSequence.
func WithCursor(seq int64) Option {
	return func(o *options) {
		o.cursor = seq
	}
}

// WithBatchSize sets how many records are read per query.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Poller delivers one state type's history to its subscriptions in sequence
// order. Subscribe, Unsubscribe and PollOnce are serialized by one mutex, and
// callbacks run while it is held: a callback must not call back into its
// own poller.
type Poller struct {
	mu        sync.Mutex
	source    Source
	stateType string
	cursor    int64
	subs      []*subscription
	nextID    SubscriptionID

	batchSize int
	metrics   Metrics
	logger    *zap.Logger
}

// NewPoller creates a poller for stateType reading from source.
func NewPoller(source Source, stateType string, opts ...Option) *Poller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Poller{
		source:    source,
		stateType: stateType,
		cursor:    o.cursor,
		batchSize: o.batchSize,
		metrics:   o.metrics,
		logger:    o.logger.With(zap.String("state_type", stateType)),
	}
}

// StateType returns the state type the poller reads.
func (p *Poller) StateType() string {
	return p.stateType
}

// Cursor returns the sequence of the last record every subscription handled.
func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Subscribe replays the records in (from, max] through cb, where max is the
// source's last sequence when Subscribe is called, then registers cb for
// every later record. Records at or below from are never delivered to it.
// If the replay fails, nothing is registered and the error is returned.
func (p *Poller) Subscribe(ctx context.Context, from int64, cb Callback) (SubscriptionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target, err := p.source.MaxSequence(ctx, p.stateType)
	if err != nil {
		return 0, fmt.Errorf("catch up %s: %w", p.stateType, err)
	}
	if target < p.cursor {
		target = p.cursor
	}

	mark := from
catchUp:
	for mark < target {
		records, err := p.source.ReadHistory(ctx, p.stateType, mark, p.batchSize)
		if err != nil {
			return 0, fmt.Errorf("catch up %s from %d: %w", p.stateType, mark, err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			if rec.Seq > target {
				break catchUp
			}
			if err := cb(ctx, rec); err != nil {
				p.metrics.CallbackFailed(p.stateType)
				return 0, fmt.Errorf("catch up %s at %d: %w", p.stateType, rec.Seq, err)
			}
			p.metrics.RecordDelivered(p.stateType)
			mark = rec.Seq
		}
	}
	if mark < p.cursor {
		mark = p.cursor
	}

	p.nextID++
	sub := &subscription{id: p.nextID, cb: cb, mark: mark}
	p.subs = append(p.subs, sub)

	p.logger.Debug("subscribed",
		zap.Uint64("subscription", uint64(sub.id)),
		zap.Int64("from", from),
		zap.Int64("cursor", p.cursor),
	)
	return sub.id, nil
}

// Unsubscribe removes a subscription. It reports whether it was registered.
func (p *Poller) Unsubscribe(id SubscriptionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subs {
		if sub.id == id {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscriptions returns the number of registered subscriptions.
func (p *Poller) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// PollOnce delivers every record after the cursor, in order, and returns how
// many records were fully handled. The cursor moves past a record only once
// every subscription has handled it. On a callback failure the record stays
// at the head of the log and the error is returned; subscriptions that
// already handled it are not called with it again.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer := p.metrics.PollDuration(p.stateType)
	defer timer.ObserveDuration()

	handled := 0
	for {
		records, err := p.source.ReadHistory(ctx, p.stateType, p.cursor, p.batchSize)
		if err != nil {
			return handled, fmt.Errorf("read %s after %d: %w", p.stateType, p.cursor, err)
		}
		for _, rec := range records {
			if err := p.deliver(ctx, rec); err != nil {
				return handled, err
			}
			p.cursor = rec.Seq
			p.metrics.CursorAdvanced(p.stateType, p.cursor)
			handled++
		}
		if len(records) < p.batchSize {
			return handled, nil
		}
	}
}

func (p *Poller) deliver(ctx context.Context, rec Record) error {
	for _, sub := range p.subs {
		if rec.Seq <= sub.mark {
			continue
		}
		if err := sub.cb(ctx, rec); err != nil {
			p.metrics.CallbackFailed(p.stateType)
			p.logger.Warn("subscriber failed, cursor held",
				zap.Uint64("subscription", uint64(sub.id)),
				zap.Int64("seq", rec.Seq),
				zap.Error(err),
			)
			return fmt.Errorf("deliver %s %d to subscription %d: %w", p.stateType, rec.Seq, sub.id, err)
		}
		sub.mark = rec.Seq
		p.metrics.RecordDelivered(p.stateType)
	}
	return nil
}
