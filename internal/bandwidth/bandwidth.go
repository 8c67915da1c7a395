// Package bandwidth implements per-task throughput limiting for the Task
// Manager's set-bandwidth-limit operation (§4.— Task Manager), using
// golang.org/x/time/rate — the token-bucket library already present as
// an indirect dependency of mohaanymo-veld for its own playback pacing.
package bandwidth

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"
)

// maxBurst bounds the token bucket's burst independently of the
// configured rate. rate.Limiter.WaitN fails immediately, rather than
// waiting, whenever n exceeds the burst, so Wait chunks requests larger
// than this down to maxBurst-sized pieces instead of relying on the
// burst to ever cover a full read.
const maxBurst = 64 * 1024

// Limiter paces bytes read through a task's segment-workers. A zero
// limit disables pacing (burst-unbounded passthrough).
type Limiter struct {
	rl *rate.Limiter
}

func burstFor(bytesPerSecond int64) int {
	b := bytesPerSecond
	if b > maxBurst {
		b = maxBurst
	}
	if b < 1 {
		b = 1
	}
	return int(b)
}

// NewLimiter creates a Limiter capped at bytesPerSecond. A
// bytesPerSecond of 0 disables limiting.
func NewLimiter(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return &Limiter{rl: nil}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSecond), burstFor(bytesPerSecond))}
}

// SetLimit adjusts the limit at runtime (§4.— set-bandwidth-limit).
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.rl = nil
		return
	}
	if l.rl == nil {
		l.rl = rate.NewLimiter(rate.Limit(bytesPerSecond), burstFor(bytesPerSecond))
		return
	}
	l.rl.SetLimit(rate.Limit(bytesPerSecond))
	l.rl.SetBurst(burstFor(bytesPerSecond))
}

// Wait blocks until n bytes are permitted to flow, honoring ctx
// cancellation (§5 suspension points must observe the task's cancel
// signal). n is chunked to the limiter's burst so callers can pace
// reads larger than the burst instead of failing outright.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l.rl == nil {
		return nil
	}
	for n > 0 {
		piece := n
		if burst := l.rl.Burst(); piece > burst {
			piece = burst
		}
		if err := l.rl.WaitN(ctx, piece); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// WaitN refuses up front when the wait would outlast ctx's
			// deadline; report that as the deadline it is.
			if _, ok := ctx.Deadline(); ok {
				return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			return err
		}
		n -= piece
	}
	return nil
}

// Reader wraps r, pacing reads through Limiter.
type Reader struct {
	r   io.Reader
	ctx context.Context
	lim *Limiter
}

// NewReader wraps r with bandwidth pacing. lim may be nil for no limit.
func NewReader(ctx context.Context, r io.Reader, lim *Limiter) *Reader {
	return &Reader{r: r, ctx: ctx, lim: lim}
}

func (br *Reader) Read(p []byte) (int, error) {
	n, err := br.r.Read(p)
	if n > 0 && br.lim != nil {
		if werr := br.lim.Wait(br.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
