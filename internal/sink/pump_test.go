package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus/internal/backoff"
	"github.com/ceedaragents/cyrus/internal/tracker"
)

// recordingSink captures delivered activities and can fail on demand.
type recordingSink struct {
	mu        sync.Mutex
	delivered []*Activity
	failures  int // fail this many posts before succeeding
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Post(_ context.Context, activity *Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("surface unavailable")
	}
	s.delivered = append(s.delivered, activity)
	return nil
}

func (s *recordingSink) snapshot() []*Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Activity(nil), s.delivered...)
}

func fastPump(s ActivitySink, t *testing.T) *Pump {
	p := NewPump(s, testSinkLogger(t))
	p.policy = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0}
	p.maxAttempts = 3
	return p
}

func runPump(t *testing.T, p *Pump) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		require.NoError(t, p.Close(closeCtx))
		cancel()
		<-done
	}
}

func activityOf(kind, body string, ephemeral bool) *Activity {
	return &Activity{Activity: tracker.Activity{Kind: kind, Body: body, Ephemeral: ephemeral}}
}

func TestPumpDeliversInSubmissionOrder(t *testing.T) {
	sink := &recordingSink{}
	p := fastPump(sink, t)
	stop := runPump(t, p)

	for _, body := range []string{"one", "two", "three"} {
		require.True(t, p.Submit(activityOf(tracker.ActivityResponse, body, false)))
	}
	stop()

	delivered := sink.snapshot()
	require.Len(t, delivered, 3)
	assert.Equal(t, "one", delivered[0].Body)
	assert.Equal(t, "three", delivered[2].Body)
	assert.Equal(t, uint64(1), delivered[0].OrderSeq)
	assert.Equal(t, uint64(3), delivered[2].OrderSeq)
}

func TestPumpRetriesThenDrops(t *testing.T) {
	sink := &recordingSink{failures: 10} // more than the attempt budget
	p := fastPump(sink, t)
	stop := runPump(t, p)

	require.True(t, p.Submit(activityOf(tracker.ActivityResponse, "doomed", false)))
	require.True(t, p.Submit(activityOf(tracker.ActivityResponse, "survives", false)))
	stop()

	// Both activities exhaust their 3 attempts against the failing sink.
	delivered := sink.snapshot()
	require.Len(t, delivered, 0)
}

func TestPumpRecoversAfterTransientFailure(t *testing.T) {
	sink := &recordingSink{failures: 2} // recovers within the budget
	p := fastPump(sink, t)
	stop := runPump(t, p)

	require.True(t, p.Submit(activityOf(tracker.ActivityResponse, "eventually", false)))
	stop()

	delivered := sink.snapshot()
	require.Len(t, delivered, 1)
	assert.Equal(t, "eventually", delivered[0].Body)
}

func TestPumpCollapsesStaleEphemeralState(t *testing.T) {
	sink := &recordingSink{}
	p := NewPump(sink, testSinkLogger(t))

	// Queue accumulates while the pump is not running, as during a sink
	// outage. Superseded ephemeral activities collapse away.
	require.True(t, p.Submit(activityOf(tracker.ActivityAction, "step 1", true)))
	require.True(t, p.Submit(activityOf(tracker.ActivityAction, "step 2", true)))
	require.True(t, p.Submit(activityOf(tracker.ActivityResponse, "answer", false)))
	require.True(t, p.Submit(activityOf(tracker.ActivityAction, "step 3", true)))

	batch := p.takeBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "answer", batch[0].Body)
	assert.Equal(t, "step 3", batch[1].Body)
}

func TestPumpRejectsSubmitAfterClose(t *testing.T) {
	sink := &recordingSink{}
	p := fastPump(sink, t)
	stop := runPump(t, p)
	stop()

	assert.False(t, p.Submit(activityOf(tracker.ActivityResponse, "late", false)))
}
