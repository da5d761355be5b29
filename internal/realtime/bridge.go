package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"inbox/internal/observability"
)

type Status int32

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Handler func(ctx context.Context, ev Event)

type Bridge struct {
	Source  Source
	Handler Handler
	// Limiter paces subscribe attempts across reconnect storms.
	Limiter *rate.Limiter
	Backoff func(attempt int) time.Duration
	// OnStatus is called from the subscription goroutine on every transition.
	// Neither it nor Handler may call back into the Bridge.
	OnStatus func(Status)
	Logger   *slog.Logger

	mu     sync.Mutex
	scope  Scope
	cancel context.CancelFunc
	done   chan struct{}
	status atomic.Int32
}

func NewBridge(src Source, handler Handler, limiter *rate.Limiter, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		Source:  src,
		Handler: handler,
		Limiter: limiter,
		Backoff: Backoff,
		Logger:  logger.With("component", "realtime"),
	}
}

func (b *Bridge) Status() Status { return Status(b.status.Load()) }

// Scope returns the scope of the running subscription, if any.
func (b *Bridge) Scope() (Scope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scope, b.cancel != nil
}

// Connect starts the subscription for scope and returns immediately. A
// running subscription for the same scope is kept; any other is replaced.
// An incomplete scope tears the subscription down.
func (b *Bridge) Connect(ctx context.Context, scope Scope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil && b.scope == scope {
		return
	}
	b.stopLocked()
	if !scope.Valid() {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	b.scope, b.cancel, b.done = scope, cancel, done
	go b.run(runCtx, scope, done)
}

// Disconnect tears the subscription down and waits for the handler
// goroutine to exit.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bridge) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel, b.done, b.scope = nil, nil, Scope{}
}

func (b *Bridge) run(ctx context.Context, scope Scope, done chan struct{}) {
	defer close(done)
	defer b.setStatus(Disconnected)

	log := b.Logger.With("org_id", scope.OrganizationID, "user_id", scope.UserID)
	attempt := 0
	for {
		if b.Limiter != nil {
			if err := b.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		stream, err := b.Source.Subscribe(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("realtime subscribe failed", "attempt", attempt, "err", err)
			if !sleep(ctx, b.backoff(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		b.setStatus(Connected)
		log.Info("realtime connected")
		err = b.consume(ctx, stream, log)
		_ = stream.Close()
		b.setStatus(Disconnected)
		if ctx.Err() != nil {
			return
		}
		log.Warn("realtime stream dropped", "err", err)
		if !sleep(ctx, b.backoff(0)) {
			return
		}
	}
}

func (b *Bridge) consume(ctx context.Context, stream Stream, log *slog.Logger) error {
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, ErrMalformedEvent) {
			log.Warn("dropping realtime event", "err", err)
			continue
		}
		if err != nil {
			return err
		}
		observability.RealtimeEvents.WithLabelValues(string(ev.Kind)).Inc()
		if b.Handler != nil {
			b.Handler(ctx, ev)
		}
	}
}

func (b *Bridge) setStatus(s Status) {
	if Status(b.status.Swap(int32(s))) == s {
		return
	}
	if s == Connected {
		observability.RealtimeConnected.Set(1)
	} else {
		observability.RealtimeConnected.Set(0)
	}
	if b.OnStatus != nil {
		b.OnStatus(s)
	}
}

func (b *Bridge) backoff(attempt int) time.Duration {
	if b.Backoff == nil {
		return Backoff(attempt)
	}
	return b.Backoff(attempt)
}

// Backoff grows from 500ms to a 30s ceiling.
func Backoff(attempt int) time.Duration {
	base := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
