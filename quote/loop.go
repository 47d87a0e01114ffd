// Package quote maintains continuously refreshed, expiry-aware quotes. Each
// (pair, side) key has at most one live loop; starting a new loop supersedes
// and cancels the prior one.
package quote

import (
	"context"
	"sync"
	"time"

	"code.cryptopower.dev/group/brokerage"
)

// FetchFunc retrieves one fresh quote from the provider.
type FetchFunc func(ctx context.Context) (*brokerage.Quote, error)

// Listener receives quote updates. Either callback may be invoked from the
// loop goroutine; implementations must not block.
type Listener interface {
	OnQuoteUpdated(quote *brokerage.Quote, rate float64)
	OnQuoteFailed(err error)
}

// Params tunes a loop's scheduling.
type Params struct {
	// SafetyMargin is subtracted from a quote's remaining lifetime when
	// scheduling its refresh.
	SafetyMargin time.Duration

	// FallbackDelay is how long the loop lingers after a fetch failure
	// before stopping. A stopped loop stays stopped until Restart.
	FallbackDelay time.Duration
}

// Loop drives quote refreshes for a single (pair, side) key.
type Loop struct {
	pair   brokerage.Pair
	side   brokerage.Side
	fetch  FetchFunc
	params Params

	listener Listener

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	latest  *brokerage.Quote
	stopped bool
}

// RefreshDelay computes how long to wait before refreshing a quote expiring
// at expiresAt: its remaining lifetime minus margin, floored at zero so an
// already-expired quote refreshes immediately.
func RefreshDelay(expiresAt, now time.Time, margin time.Duration) time.Duration {
	delay := expiresAt.Sub(now) - margin
	if delay < 0 {
		return 0
	}
	return delay
}

// Latest returns the most recently published quote, or nil.
func (l *Loop) Latest() *brokerage.Quote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest
}

// Stopped reports whether the loop has exited and needs an explicit restart.
func (l *Loop) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

// Stop cancels the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.stopped = true
	l.mu.Unlock()
}

// Restart re-arms a loop that stopped after a fetch failure. It is the
// explicit external restart signal; a failed loop never respins on its own.
func (l *Loop) Restart(ctx context.Context) {
	l.mu.Lock()
	if !l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = false
	l.ctx, l.cancel = context.WithCancel(ctx)
	runCtx := l.ctx
	l.mu.Unlock()

	go l.run(runCtx)
}

func (l *Loop) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		quote, err := l.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Quote fetch for %s %s failed: %v", l.pair, l.side, err)
			l.listener.OnQuoteFailed(err)

			// Linger briefly so a superseding start isn't raced by the
			// stopping loop, then stop until explicitly restarted.
			select {
			case <-ctx.Done():
			case <-time.After(l.params.FallbackDelay):
			}

			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		l.latest = quote
		l.mu.Unlock()

		l.listener.OnQuoteUpdated(quote, quote.Rate)

		delay := RefreshDelay(quote.ExpiresAt, time.Now(), l.params.SafetyMargin)
		log.Tracef("Next %s %s quote refresh in %s", l.pair, l.side, delay)
		timer.Reset(delay)
	}
}

// Manager owns the live loops, keyed by (pair, side).
type Manager struct {
	mu    sync.Mutex
	loops map[string]*Loop
}

func NewManager() *Manager {
	return &Manager{loops: make(map[string]*Loop)}
}

func loopKey(pair brokerage.Pair, side brokerage.Side) string {
	return string(pair) + "/" + string(side)
}

// Start launches a refresh loop for (pair, side). Any prior loop for the same
// key is cancelled first, so at most one loop per key is ever live.
func (m *Manager) Start(ctx context.Context, pair brokerage.Pair, side brokerage.Side,
	fetch FetchFunc, params Params, listener Listener) *Loop {

	key := loopKey(pair, side)

	m.mu.Lock()
	if prior, ok := m.loops[key]; ok {
		prior.Stop()
	}

	loop := &Loop{
		pair:     pair,
		side:     side,
		fetch:    fetch,
		params:   params,
		listener: listener,
	}
	loop.ctx, loop.cancel = context.WithCancel(ctx)
	m.loops[key] = loop
	runCtx := loop.ctx
	m.mu.Unlock()

	go loop.run(runCtx)
	return loop
}

// Get returns the live loop for (pair, side), or nil.
func (m *Manager) Get(pair brokerage.Pair, side brokerage.Side) *Loop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loops[loopKey(pair, side)]
}

// StopAll cancels every live loop.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, loop := range m.loops {
		loop.Stop()
	}
}
