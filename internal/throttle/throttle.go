// Package throttle provides the bandwidth-limiting byte stream decorator
// shared by every storage backend.
package throttle

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const maxDelayPerCall = 5 * time.Second

// Stream wraps an io.Reader or io.Writer and sleeps before each call so
// that total bytes transferred divided by elapsed time stays at or below
// the configured limit. Each delay is capped at 5 s so a cancelled context
// is noticed promptly even under a very low limit.
type Stream struct {
	ctx     context.Context
	limiter *rate.Limiter
}

// NewStream returns a Stream enforcing limitBytesPerSecond. A limit of zero
// or less disables throttling (Wait always returns immediately).
func NewStream(ctx context.Context, limitBytesPerSecond int) *Stream {
	if limitBytesPerSecond <= 0 {
		return &Stream{ctx: ctx, limiter: nil}
	}
	burst := limitBytesPerSecond
	if burst < 1 {
		burst = 1
	}
	return &Stream{
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(limitBytesPerSecond), burst),
	}
}

// Wait blocks until n bytes are permitted to cross. Each sleep is capped at
// maxDelayPerCall so long-lived throttled transfers keep checking for
// cancellation.
func (s *Stream) Wait(n int) error {
	if s.limiter == nil || n <= 0 {
		return nil
	}

	// ReserveN refuses a request larger than the burst, so such a request
	// waits for one burst-sized piece at a time.
	for burst := s.limiter.Burst(); n > burst; n -= burst {
		if err := s.Wait(burst); err != nil {
			return err
		}
	}

	reservation := s.limiter.ReserveN(time.Now(), n)
	if !reservation.OK() {
		return nil
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}
	if delay > maxDelayPerCall {
		delay = maxDelayPerCall
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reader wraps r so every Read call is throttled.
type Reader struct {
	r io.Reader
	s *Stream
}

// NewReader returns a throttled io.Reader. A nil Stream (or one with no
// limit configured) passes reads through unmodified.
func NewReader(r io.Reader, s *Stream) *Reader {
	return &Reader{r: r, s: s}
}

func (tr *Reader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 && tr.s != nil {
		if werr := tr.s.Wait(n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer wraps w so every Write call is throttled.
type Writer struct {
	w io.Writer
	s *Stream
}

// NewWriter returns a throttled io.Writer.
func NewWriter(w io.Writer, s *Stream) *Writer {
	return &Writer{w: w, s: s}
}

func (tw *Writer) Write(p []byte) (int, error) {
	if tw.s != nil {
		if err := tw.s.Wait(len(p)); err != nil {
			return 0, err
		}
	}
	return tw.w.Write(p)
}
