package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
)

// Shipper buffers reading batches and delivers them to the perfdata ingest
// socket of perfmatrix-server, one batch per TCP connection.
// Ship is non-blocking; when the buffer is full the oldest batch is evicted.
// Run must be called in a goroutine to drain the buffer.
type Shipper struct {
	cfg    config.AgentConfig
	buf    chan *perfdata.Batch
	dialFn dialFunc // injectable for tests

	retryBase time.Duration
	evictLog  *rate.Limiter

	sent    atomic.Int64
	evicted atomic.Int64
	retries atomic.Int64
}

// dialFunc opens the connection a single batch is written to.
type dialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// Counters is a point-in-time copy of the shipper's delivery counters.
type Counters struct {
	Sent     int64
	Evicted  int64
	Retries  int64
	Buffered int
}

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	d := &net.Dialer{}
	return &Shipper{
		cfg: cfg,
		buf: make(chan *perfdata.Batch, cfg.BufferSize),
		dialFn: func(ctx context.Context, endpoint string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", endpoint)
		},
		retryBase: backoffInitial,
		evictLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Ship enqueues readings as one batch. Empty input is ignored.
// If the buffer is full the oldest batch is evicted to make room.
func (s *Shipper) Ship(readings []perfdata.Reading) {
	if len(readings) == 0 {
		return
	}
	b := &perfdata.Batch{Readings: readings}
	for {
		select {
		case s.buf <- b:
			return
		default:
		}
		// Buffer full: drop the oldest batch, keep the newest.
		select {
		case <-s.buf:
			n := s.evicted.Add(1)
			if s.evictLog.Allow() {
				slog.Warn("shipper: buffer full, evicted oldest batch",
					"buffer_cap", cap(s.buf), "evicted_total", n)
			}
		default:
		}
	}
}

// Counters returns the delivery counters.
func (s *Shipper) Counters() Counters {
	return Counters{
		Sent:     s.sent.Load(),
		Evicted:  s.evicted.Load(),
		Retries:  s.retries.Load(),
		Buffered: len(s.buf),
	}
}

// Run drains the buffer until ctx is cancelled. A batch that cannot be
// delivered is retried with truncated exponential backoff; newer batches
// wait in the buffer meanwhile.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff(s.retryBase)
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.buf:
			if !s.deliver(ctx, b, bo) {
				return
			}
		}
	}
}

// deliver sends b, retrying until it succeeds or ctx is cancelled. It
// returns false on cancellation.
func (s *Shipper) deliver(ctx context.Context, b *perfdata.Batch, bo *backoff) bool {
	for {
		err := s.send(ctx, b)
		if err == nil {
			s.sent.Add(1)
			bo.reset()
			slog.Debug("shipper: batch delivered", "readings", len(b.Readings))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		s.retries.Add(1)
		wait := bo.next()
		slog.Warn("shipper: send failed, will retry",
			"endpoint", s.cfg.ServerEndpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// send writes b to a fresh connection and closes it; the server decodes
// the frame once it sees EOF.
func (s *Shipper) send(ctx context.Context, b *perfdata.Batch) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dialFn(dialCtx, s.cfg.ServerEndpoint)
	if err != nil {
		return fmt.Errorf("shipper: dial: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("shipper: set deadline: %w", err)
	}
	if err := perfdata.WriteBatch(conn, b); err != nil {
		conn.Close()
		return fmt.Errorf("shipper: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("shipper: close: %w", err)
	}
	return nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	current time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{initial: initial, current: initial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter.
	d += time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
