package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/history"
)

func TestEngine_PollerIsShared(t *testing.T) {
	e := history.NewEngine(newMemSource(), history.DefaultConfig())
	p := e.Poller(identityType, history.WithCursor(10))
	assert.Same(t, p, e.Poller(identityType))
	assert.Equal(t, int64(10), p.Cursor())
	assert.NotSame(t, p, e.Poller("OtherState"))
}

func TestEngine_SubscribeAndNotify(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	e := history.NewEngine(src, history.DefaultConfig())

	max, err := e.GetMaxSequenceNumber(ctx, identityType)
	require.NoError(t, err)
	assert.Equal(t, history.NoSequence, max)

	r := &recorder{}
	id, err := e.Subscribe(ctx, identityType, max, r.callback)
	require.NoError(t, err)

	src.append(identityType, 2)
	require.NoError(t, e.Notify(ctx, identityType))
	assert.Equal(t, []int64{1, 2}, r.got())

	max, err = e.GetMaxSequenceNumber(ctx, identityType)
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)

	assert.True(t, e.Unsubscribe(identityType, id))
	assert.False(t, e.Unsubscribe("UnknownState", id))

	// Unknown types have no poller to nudge.
	require.NoError(t, e.Notify(ctx, "UnknownState"))
}

func TestEngine_SubscribeReplaysBeforeReturning(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	src.append(identityType, 3)
	e := history.NewEngine(src, history.DefaultConfig())

	r := &recorder{}
	_, err := e.Subscribe(ctx, identityType, 0, r.callback)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, r.got())

	// A second subscriber on the same poller replays on its own.
	late := &recorder{}
	_, err = e.Subscribe(ctx, identityType, 1, late.callback)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, late.got())

	src.append(identityType, 1)
	require.NoError(t, e.Notify(ctx, identityType))
	assert.Equal(t, []int64{1, 2, 3, 4}, r.got())
	assert.Equal(t, []int64{2, 3, 4}, late.got())
}

func TestEngine_Run(t *testing.T) {
	src := newMemSource()
	cfg := history.Config{PollInterval: 5 * time.Millisecond}
	e := history.NewEngine(src, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &recorder{}
	_, err := e.Subscribe(ctx, identityType, history.NoSequence, r.callback)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	src.append(identityType, 3)
	require.Eventually(t, func() bool { return len(r.got()) == 3 }, time.Second, 5*time.Millisecond)

	// A poller created while running is started too.
	late := &recorder{}
	_, err = e.Subscribe(ctx, "LateState", history.NoSequence, late.callback)
	require.NoError(t, err)
	src.append("LateState", 1)
	require.Eventually(t, func() bool { return len(late.got()) == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.Run(ctx), history.ErrRunning)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEngine_HangingTypeDoesNotStallOthers(t *testing.T) {
	src := newMemSource()
	e := history.NewEngine(src, history.Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	_, err := e.Subscribe(ctx, "SlowState", history.NoSequence, func(ctx context.Context, _ history.Record) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	fast := &recorder{}
	_, err = e.Subscribe(ctx, identityType, history.NoSequence, fast.callback)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	src.append("SlowState", 1)
	src.append(identityType, 2)
	require.Eventually(t, func() bool { return len(fast.got()) == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	cancel()
	<-done
}

func TestPrometheusMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	src := newMemSource()
	p := history.NewPoller(src, identityType, history.WithMetrics(history.NewPrometheusMetrics(reg)))

	failing := &recorder{failAt: 2}
	_, err := p.Subscribe(ctx, history.NoSequence, failing.callback)
	require.NoError(t, err)
	src.append(identityType, 2)
	_, err = p.PollOnce(ctx)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 1.0, values["rootstore_history_records_delivered_total"])
	assert.Equal(t, 1.0, values["rootstore_history_callback_failures_total"])
	assert.Equal(t, 1.0, values["rootstore_history_cursor"])
	assert.Equal(t, 1.0, values["rootstore_history_poll_duration_seconds"])
}

func TestProjector(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	src.append(identityType, 2)
	e := history.NewEngine(src, history.DefaultConfig())

	initiator := uuid.New()
	var provs []aggregate.Provenance
	proj := history.NewProjector(e, identityType,
		func(_ context.Context, rec history.Record, prov aggregate.Provenance) error {
			provs = append(provs, prov)
			return nil
		},
		history.WithInitiator(initiator),
		history.WithCheckpoint(func(context.Context) (int64, error) { return 1, nil }),
	)

	require.NoError(t, proj.Start(ctx))
	assert.ErrorIs(t, proj.Start(ctx), history.ErrProjectorStarted)

	src.append(identityType, 1)
	require.NoError(t, e.Notify(ctx, identityType))

	require.Len(t, provs, 2)
	for i, prov := range provs {
		require.NotNil(t, prov.EventNumber)
		assert.Equal(t, int64(i+2), *prov.EventNumber)
		assert.Equal(t, initiator, prov.InitiatorID)
	}

	assert.True(t, proj.Stop())
	assert.False(t, proj.Stop())
}

func TestProjector_StartsAtMaxSequence(t *testing.T) {
	ctx := context.Background()
	src := newMemSource()
	src.append(identityType, 3)
	e := history.NewEngine(src, history.DefaultConfig())

	var seen []int64
	proj := history.NewProjector(e, identityType, func(_ context.Context, rec history.Record, _ aggregate.Provenance) error {
		seen = append(seen, rec.Seq)
		return nil
	})
	require.NoError(t, proj.Start(ctx))

	src.append(identityType, 1)
	require.NoError(t, e.Notify(ctx, identityType))
	assert.Equal(t, []int64{4}, seen)
}

func TestProjector_CheckpointError(t *testing.T) {
	e := history.NewEngine(newMemSource(), history.DefaultConfig())
	boom := errors.New("boom")
	proj := history.NewProjector(e, identityType,
		func(context.Context, history.Record, aggregate.Provenance) error { return nil },
		history.WithCheckpoint(func(context.Context) (int64, error) { return 0, boom }),
	)
	assert.ErrorIs(t, proj.Start(context.Background()), boom)
	assert.False(t, proj.Stop())
}
