package snap

import (
	"context"

	"golang.org/x/time/rate"
)

// ioLimiterChunk is how many bytes a builder accumulates before asking the
// limiter for budget.
const ioLimiterChunk = 16 << 10

// IOLimiter throttles snapshot disk traffic with a token bucket. A nil
// limiter never blocks.
type IOLimiter struct {
	limiter *rate.Limiter
	burst   int
}

// NewIOLimiter returns a limiter of bytesPerSec, or nil when unlimited.
func NewIOLimiter(bytesPerSec int64) *IOLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < ioLimiterChunk {
		burst = ioLimiterChunk
	}
	return &IOLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// Request blocks until n bytes of budget are available or ctx is done.
func (l *IOLimiter) Request(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > l.burst {
			step = l.burst
		}
		if err := l.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// meteredBytes batches byte counts into limiter requests.
type meteredBytes struct {
	limiter *IOLimiter
	pending int
}

func (m *meteredBytes) add(ctx context.Context, n int) error {
	m.pending += n
	if m.pending < ioLimiterChunk {
		return nil
	}
	err := m.limiter.Request(ctx, m.pending)
	m.pending = 0
	return err
}

func (m *meteredBytes) flush(ctx context.Context) error {
	if m.pending == 0 {
		return nil
	}
	err := m.limiter.Request(ctx, m.pending)
	m.pending = 0
	return err
}
