package reachability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type switchProbe struct {
	up atomic.Bool
}

func (p *switchProbe) probe(context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestCheckTracksState(t *testing.T) {
	p := &switchProbe{}
	m := NewMonitor(p.probe, time.Hour, time.Second)
	assert.False(t, m.IsReachable())

	assert.False(t, m.Check(context.Background()))
	p.up.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.IsReachable())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	p := &switchProbe{}
	m := NewMonitor(p.probe, time.Hour, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Subscribe(ctx)

	m.Check(context.Background())
	assert.False(t, <-ch, "first probe always publishes")

	m.Check(context.Background())
	select {
	case v := <-ch:
		t.Fatalf("unchanged state must not publish, got %v", v)
	default:
	}

	p.up.Store(true)
	m.Check(context.Background())
	assert.True(t, <-ch)

	cancel()
	_, open := <-ch
	for open {
		_, open = <-ch
	}
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	p := &switchProbe{}
	m := NewMonitor(p.probe, time.Hour, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(ctx)

	m.Check(context.Background())
	p.up.Store(true)
	m.Check(context.Background())
	p.up.Store(false)
	m.Check(context.Background())

	assert.False(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("expected a single pending value, got extra %v", v)
	default:
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	m := NewMonitor(probe, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.IsReachable())
	cancel()
	<-done
}

func TestProbeTimeout(t *testing.T) {
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := NewMonitor(probe, time.Hour, 20*time.Millisecond)
	start := time.Now()
	assert.False(t, m.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}
