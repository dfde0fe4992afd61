package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunning is returned by Run when the engine is already running.
var ErrRunning = errors.New("history: engine already running")

// Config controls how an Engine polls.
type Config struct {
	// PollInterval is the time between two polls of one poller.
	// Default: 2s
	PollInterval time.Duration

	// BatchSize is the number of records read per query.
	// Default: 100
	BatchSize int
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    DefaultBatchSize,
	}
}

func (c *Config) validate() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Engine owns the pollers of one history source, one per state type.
type Engine struct {
	source Source
	config Config
	opts   []Option
	logger *zap.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewEngine creates an engine. opts apply to every poller it creates.
func NewEngine(source Source, cfg Config, opts ...Option) *Engine {
	cfg.validate()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		source:  source,
		config:  cfg,
		opts:    append([]Option{WithBatchSize(cfg.BatchSize)}, opts...),
		logger:  o.logger,
		pollers: make(map[string]*Poller),
	}
}

// Poller returns the poller of stateType, creating it on first use with
// the engine's options followed by opts. Later calls ignore opts.
func (e *Engine) Poller(stateType string, opts ...Option) *Poller {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pollers[stateType]; ok {
		return p
	}
	all := append(append([]Option{}, e.opts...), opts...)
	p := NewPoller(e.source, stateType, all...)
	e.pollers[stateType] = p
	if e.runCtx != nil {
		e.start(e.runCtx, p)
	}
	return p
}

func (e *Engine) lookup(stateType string) (*Poller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pollers[stateType]
	return p, ok
}

// GetMaxSequenceNumber returns the last sequence of stateType's log, or
// NoSequence when it is empty.
func (e *Engine) GetMaxSequenceNumber(ctx context.Context, stateType string) (int64, error) {
	return e.source.MaxSequence(ctx, stateType)
}

// Subscribe subscribes cb to stateType's log from the given sequence.
func (e *Engine) Subscribe(ctx context.Context, stateType string, from int64, cb Callback) (SubscriptionID, error) {
	return e.Poller(stateType).Subscribe(ctx, from, cb)
}

// Unsubscribe removes a subscription from stateType's poller.
func (e *Engine) Unsubscribe(stateType string, id SubscriptionID) bool {
	p, ok := e.lookup(stateType)
	if !ok {
		return false
	}
	return p.Unsubscribe(id)
}

// Notify polls stateType now. Types without a poller are ignored.
func (e *Engine) Notify(ctx context.Context, stateType string) error {
	p, ok := e.lookup(stateType)
	if !ok {
		return nil
	}
	_, err := p.PollOnce(ctx)
	return err
}

// Run polls every poller on its own ticker until ctx is done. Pollers created
// while running are started too. Run waits for in-flight polls before it
// returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return ErrRunning
	}
	e.runCtx = ctx
	for _, p := range e.pollers {
		e.start(ctx, p)
	}
	e.mu.Unlock()

	e.logger.Info("history engine started", zap.Duration("poll_interval", e.config.PollInterval))
	<-ctx.Done()

	e.mu.Lock()
	e.runCtx = nil
	e.mu.Unlock()
	e.wg.Wait()

	e.logger.Info("history engine stopped")
	return ctx.Err()
}

// start must be called with e.mu held.
func (e *Engine) start(ctx context.Context, p *Poller) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx, p)
	}()
}

func (e *Engine) loop(ctx context.Context, p *Poller) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.PollOnce(ctx); err != nil {
				e.logger.Error("history poll failed",
					zap.String("state_type", p.StateType()),
					zap.Int("handled", n),
					zap.Error(err),
				)
			}
		}
	}
}
