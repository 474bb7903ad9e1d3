// Package deadline reconciles the local clock with the server-issued exam
// deadline and forces submission at zero. The server's time is authority;
// the local clock only interpolates between re-syncs, so drift or tab sleep
// cannot desynchronize the countdown from the true deadline.
package deadline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/transport"
)

// Config tunes the authority.
type Config struct {
	// TickInterval is the UI countdown cadence.
	TickInterval time.Duration
	// ResyncInterval is how often server time is re-fetched.
	ResyncInterval time.Duration
	// DriftTolerance is the offset divergence beyond which the countdown
	// snaps to the recomputed value.
	DriftTolerance time.Duration
	// Warnings are remaining-time thresholds that emit a time_warning
	// proctoring signal, e.g. 5m and 1m.
	Warnings []time.Duration
	// CallTimeout bounds the server-time fetch.
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 30 * time.Second
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
}

// Authority owns the attempt's remaining-time computation and the forced
// submit at zero. The zero-crossing fires exactly once even when the tick
// timer and a drift-correction re-sync race.
type Authority struct {
	cfg       Config
	store     *queue.Store
	coalescer *coalesce.Coalescer
	adapter   transport.Adapter
	clk       clock.Clock
	log       zerolog.Logger

	mu        sync.Mutex
	sess      model.AttemptSession
	warned    map[time.Duration]bool
	submitted bool
	stopped   bool
	tickTimer clock.Timer
	syncTimer clock.Timer

	onTick    func(remaining time.Duration)
	onExpired func()
	onWarning func(threshold, remaining time.Duration)
}

// New creates the authority for one attempt session.
func New(sess model.AttemptSession, store *queue.Store, coalescer *coalesce.Coalescer,
	adapter transport.Adapter, cfg Config, clk clock.Clock, log zerolog.Logger) *Authority {
	cfg.defaults()
	if clk == nil {
		clk = clock.System()
	}
	sort.Slice(cfg.Warnings, func(i, j int) bool { return cfg.Warnings[i] > cfg.Warnings[j] })
	return &Authority{
		cfg:       cfg,
		store:     store,
		coalescer: coalescer,
		adapter:   adapter,
		clk:       clk,
		log:       log.With().Str("component", "deadline").Logger(),
		sess:      sess,
		warned:    make(map[time.Duration]bool),
	}
}

// SetTickListener registers the per-tick remaining-time callback.
func (a *Authority) SetTickListener(fn func(time.Duration)) {
	a.mu.Lock()
	a.onTick = fn
	a.mu.Unlock()
}

// SetExpiredListener registers the terminal time-expired callback.
func (a *Authority) SetExpiredListener(fn func()) {
	a.mu.Lock()
	a.onExpired = fn
	a.mu.Unlock()
}

// SetWarningListener registers the threshold-crossing callback.
func (a *Authority) SetWarningListener(fn func(threshold, remaining time.Duration)) {
	a.mu.Lock()
	a.onWarning = fn
	a.mu.Unlock()
}

// Session returns a copy of the current attempt session.
func (a *Authority) Session() model.AttemptSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// Remaining returns the authoritative remaining time.
func (a *Authority) Remaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.Remaining(a.clk.Now())
}

// Start arms the tick and re-sync timers.
func (a *Authority) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.tickTimer = a.clk.AfterFunc(a.cfg.TickInterval, a.tick)
	a.syncTimer = a.clk.AfterFunc(a.cfg.ResyncInterval, a.resync)
}

// Stop cancels the timers. Does not submit.
func (a *Authority) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.tickTimer != nil {
		a.tickTimer.Stop()
	}
	if a.syncTimer != nil {
		a.syncTimer.Stop()
	}
}

// Submit flushes pending answers and enqueues the terminal submit exactly
// once. Safe to call from the UI (student submit) and from the deadline
// zero-crossing; later calls are no-ops.
func (a *Authority) Submit(ctx context.Context, reason model.SubmitReason) error {
	a.mu.Lock()
	if a.submitted {
		a.mu.Unlock()
		return nil
	}
	a.submitted = true
	sess := a.sess
	a.mu.Unlock()

	// Flush first and honor its durability guarantee: the submit must not
	// be enqueued while an answer edit could still be dropped.
	if err := a.coalescer.FlushNow(ctx); err != nil {
		a.mu.Lock()
		a.submitted = false
		a.mu.Unlock()
		return err
	}

	payload, err := model.SubmitPayload{AttemptID: sess.AttemptID, Reason: reason}.Marshal()
	if err != nil {
		return err
	}
	if err := a.store.Enqueue(ctx, model.SubmitKey(sess.AttemptID), model.OpSubmitAttempt, payload); err != nil {
		return err
	}

	status := model.AttemptSubmitted
	if reason == model.SubmitByDeadline {
		status = model.AttemptTimeExpired
	}
	a.mu.Lock()
	a.sess.Status = status
	sess = a.sess
	a.mu.Unlock()
	if err := a.store.SaveSession(ctx, sess); err != nil {
		a.log.Error().Err(err).Msg("Session status persist failed")
	}

	a.log.Info().Str("reason", string(reason)).Msg("Attempt submit enqueued")
	return nil
}

func (a *Authority) tick() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	remaining := a.sess.Remaining(a.clk.Now())
	tickFn := a.onTick
	warnFn := a.onWarning
	var crossed []time.Duration
	for _, threshold := range a.cfg.Warnings {
		if remaining <= threshold && !a.warned[threshold] {
			a.warned[threshold] = true
			crossed = append(crossed, threshold)
		}
	}
	// Keep ticking past zero until the forced submit lands, so a transient
	// flush failure is retried on the next tick.
	if remaining > 0 || !a.submitted {
		a.tickTimer.Reset(a.cfg.TickInterval)
	}
	a.mu.Unlock()

	if tickFn != nil {
		tickFn(remaining)
	}
	if warnFn != nil && remaining > 0 {
		for _, threshold := range crossed {
			warnFn(threshold, remaining)
		}
	}
	if remaining <= 0 {
		a.expire()
	}
}

// resync re-fetches server time and recomputes the clock offset. The offset
// is only adopted when it diverges beyond the tolerance, so countdown jitter
// from network latency does not cause visible corrections.
func (a *Authority) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CallTimeout)
	serverNow, err := a.adapter.ServerTime(ctx)
	cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.log.Debug().Err(err).Msg("Server time re-sync failed")
		a.syncTimer.Reset(a.cfg.ResyncInterval)
		a.mu.Unlock()
		return
	}

	newOffset := serverNow.Sub(a.clk.Now())
	drift := newOffset - a.sess.ClockOffset
	if drift < 0 {
		drift = -drift
	}
	corrected := drift > a.cfg.DriftTolerance
	if corrected {
		a.log.Warn().
			Dur("old_offset", a.sess.ClockOffset).
			Dur("new_offset", newOffset).
			Msg("Clock drift detected, correcting countdown")
		a.sess.ClockOffset = newOffset
	}
	remaining := a.sess.Remaining(a.clk.Now())
	sess := a.sess
	tickFn := a.onTick
	a.syncTimer.Reset(a.cfg.ResyncInterval)
	a.mu.Unlock()

	if corrected {
		if err := a.store.SaveSession(context.Background(), sess); err != nil {
			a.log.Error().Err(err).Msg("Offset persist failed")
		}
		if tickFn != nil {
			tickFn(remaining)
		}
	}
	if remaining <= 0 {
		a.expire()
	}
}

// expire fires the forced submit. Idempotent: Submit ignores later calls,
// so a tick and a drift-correction re-sync both crossing zero enqueue one
// submit.
func (a *Authority) expire() {
	a.mu.Lock()
	expiredFn := a.onExpired
	already := a.submitted
	a.mu.Unlock()

	if err := a.Submit(context.Background(), model.SubmitByDeadline); err != nil {
		a.log.Error().Err(err).Msg("Forced submit failed")
		return
	}
	if expiredFn != nil && !already {
		expiredFn()
	}
}
