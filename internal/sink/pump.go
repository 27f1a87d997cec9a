package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/backoff"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/metrics"
)

const defaultMaxAttempts = 5

// Pump serializes delivery to one sink. Activities are delivered in
// submission order; failures are retried with exponential backoff up to the
// attempt budget, then dropped. While the sink is down the pump keeps
// collecting: on recovery only the most recent ephemeral activity and every
// non-ephemeral activity are flushed.
type Pump struct {
	sink        ActivitySink
	policy      backoff.Policy
	maxAttempts int
	logger      *logger.Logger

	mu      sync.Mutex
	pending []*Activity
	nextSeq uint64
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewPump creates a delivery pump. Call Run to start it.
func NewPump(s ActivitySink, log *logger.Logger) *Pump {
	return &Pump{
		sink:        s,
		policy:      backoff.SinkPolicy(),
		maxAttempts: defaultMaxAttempts,
		logger:      log.WithFields(zap.String("sink", s.Name())),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Submit queues one activity and stamps its order sequence. Returns false
// after Close.
func (p *Pump) Submit(activity *Activity) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.nextSeq++
	activity.OrderSeq = p.nextSeq
	p.pending = append(p.pending, activity)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Run delivers queued activities until the context ends or Close is called
// with an empty queue. Call from its own goroutine.
func (p *Pump) Run(ctx context.Context) {
	defer close(p.done)
	for {
		batch := p.takeBatch()
		if batch == nil {
			p.mu.Lock()
			closed := p.closed
			empty := len(p.pending) == 0
			p.mu.Unlock()
			if closed && empty {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		for _, activity := range batch {
			if err := p.deliver(ctx, activity); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.ActivitiesDropped.WithLabelValues(p.sink.Name()).Inc()
				p.logger.Error("dropping activity after retry budget",
					zap.Uint64("order_seq", activity.OrderSeq),
					zap.String("kind", activity.Kind),
					zap.Error(err))
				continue
			}
			metrics.ActivitiesPosted.WithLabelValues(p.sink.Name()).Inc()
		}
	}
}

// Close stops intake and waits for the queue to drain.
func (p *Pump) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeBatch swaps out the pending queue, collapsing stale ephemeral state:
// an ephemeral activity followed by anything newer was already superseded.
func (p *Pump) takeBatch() []*Activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	batch := p.pending
	p.pending = nil

	out := batch[:0]
	for i, activity := range batch {
		if activity.Ephemeral && i < len(batch)-1 {
			continue
		}
		out = append(out, activity)
	}
	return out
}

func (p *Pump) deliver(ctx context.Context, activity *Activity) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.sink.Post(ctx, activity)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		p.logger.Warn("sink post failed, backing off",
			zap.Int("attempt", attempt),
			zap.Uint64("order_seq", activity.OrderSeq),
			zap.Error(lastErr))
		if attempt < p.maxAttempts {
			if err := backoff.Sleep(ctx, p.policy, attempt); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}
