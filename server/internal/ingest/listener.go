package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
)

// DefaultMaxConns is the handler limit used when Config.MaxConns is unset.
const DefaultMaxConns = 64

// Config configures a Listener.
type Config struct {
	Addr          string        // TCP listen address, e.g. ":8999"
	MaxFrameBytes int64         // per-connection frame limit; <= 0 selects perfdata.DefaultMaxFrameBytes
	ReadTimeout   time.Duration // deadline for reading one frame; <= 0 disables it
	MaxConns      int           // connections read at once; <= 0 selects DefaultMaxConns
}

// Listener accepts perfdata connections, one batch per connection.
type Listener struct {
	ln     net.Listener
	cfg    Config
	queue  *Queue
	stats  *Stats
	closed atomic.Bool
	wg     sync.WaitGroup
	conns  *semaphore.Weighted
	errLog *rate.Limiter
}

// Listen binds cfg.Addr with address reuse enabled. A bind failure is the one
// fatal ingest error and is returned to the caller.
func Listen(ctx context.Context, cfg Config, q *Queue, stats *Stats) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen %s: %w", cfg.Addr, err)
	}
	return newListener(ln, cfg, q, stats), nil
}

func newListener(ln net.Listener, cfg Config, q *Queue, stats *Stats) *Listener {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	return &Listener{
		ln:     ln,
		cfg:    cfg,
		queue:  q,
		stats:  stats,
		conns:  semaphore.NewWeighted(int64(cfg.MaxConns)),
		errLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until Close is called, then waits for in-flight
// connections and returns nil. Accept failures such as EMFILE are retried
// with backoff; only closing the listener ends the loop.
func (l *Listener) Serve() error {
	slog.Info("ingest: listening", "addr", l.ln.Addr().String(), "max_conns", l.cfg.MaxConns)
	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			delay = backoff(delay)
			if l.errLog.Allow() {
				slog.Warn("ingest: accept failed, retrying", "err", err, "delay", delay)
			}
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !l.conns.TryAcquire(1) {
			remote := conn.RemoteAddr().String()
			n := l.stats.Refused()
			conn.Close()
			if l.errLog.Allow() {
				slog.Warn("ingest: connection limit reached, closing connection",
					"remote", remote, "max_conns", l.cfg.MaxConns, "refused_total", n)
			}
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.conns.Release(1)
			l.handle(conn)
		}()
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// handle reads one batch, closes the connection and offers the batch.
func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if l.cfg.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
			conn.Close()
			if l.errLog.Allow() {
				slog.Warn("ingest: cannot set read deadline, dropping connection", "remote", remote, "err", err)
			}
			return
		}
	}
	b, err := perfdata.ReadBatch(conn, l.cfg.MaxFrameBytes)
	conn.Close()

	if err != nil {
		l.stats.Malformed()
		if l.errLog.Allow() {
			slog.Warn("ingest: dropping connection", "remote", remote, "err", err)
		}
		return
	}

	l.stats.Received(len(b.Readings))
	if l.queue.Offer(b) {
		slog.Debug("ingest: batch queued", "remote", remote, "readings", len(b.Readings))
	}
}

// Close stops the accept loop. Serve returns once in-flight connections have
// been handled.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
