package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"pq_chat/internal/metrics"
	"pq_chat/internal/repository/chatlog"
	"pq_chat/internal/utils/log"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval       = time.Second
	DefaultRequestTimeout     = 5 * time.Second
	DefaultMaxConsecutiveErrs = 5
	backoffFactor             = 5
	ConnectionLostNotice      = "[System] Connection lost, attempting to reconnect..."
	ConnectionRestoredNotice  = "[System] Connection restored."
)

type (
	PollerOptions struct {
		Interval       time.Duration
		RequestTimeout time.Duration
		MaxErrors      int
		Clock          clock.Clock
		// OnRecover runs after the first successful poll that follows a
		// lost connection.
		OnRecover func(ctx context.Context) error
	}

	// Poller pulls one source on a fixed interval until its context ends.
	// Errors never stop it; after MaxErrors failures in a row it tells the
	// user and slows down.
	Poller struct {
		engine *Engine
		source Source
		opts   PollerOptions

		mu     sync.Mutex
		cursor chatlog.Cursor
		errs   int
	}
)

func NewPoller(engine *Engine, source Source, cursor chatlog.Cursor, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxConsecutiveErrs
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Poller{
		engine: engine,
		source: source,
		opts:   opts,
		cursor: cursor,
	}
}

func (p *Poller) Cursor() chatlog.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) lost() bool {
	return p.errs >= p.opts.MaxErrors
}

// PollOnce runs a single cycle and returns the number of messages shown.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()

	msgs, next, err := p.engine.Poll(rctx, p.source, p.cursor)
	if err != nil {
		p.errs++
		metrics.PollError()
		if errors.Is(err, chatlog.ErrInvalidCursor) {
			log.Warn("poll cursor rejected", zap.Int64("cursor", int64(p.cursor)), zap.Error(err))
		} else {
			log.Debug("poll failed", zap.Int("consecutive", p.errs), zap.Error(err))
		}
		if p.errs == p.opts.MaxErrors {
			p.engine.Notify(ConnectionLostNotice)
		}
		return 0, err
	}

	if p.lost() {
		log.Info("poll recovered", zap.Int("failures", p.errs))
		p.engine.Notify(ConnectionRestoredNotice)
		if p.opts.OnRecover != nil {
			if err := p.opts.OnRecover(ctx); err != nil {
				log.Warn("re-register after reconnect failed", zap.Error(err))
			}
		}
	}
	p.errs = 0
	p.cursor = next
	return len(msgs), nil
}

func (p *Poller) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost() {
		return p.opts.Interval * backoffFactor
	}
	return p.opts.Interval
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		_, _ = p.PollOnce(ctx)

		timer := p.opts.Clock.Timer(p.delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
