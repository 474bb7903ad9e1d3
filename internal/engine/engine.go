// Package engine drains the durable local queue toward the exam server.
// It owns retry/backoff, online/offline detection, and the bounded pool of
// concurrent sends; the per-key single-flight invariant itself is enforced
// by the queue's NextBatch claim.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/transport"
)

// Config tunes the drain loop.
type Config struct {
	// BatchSize caps how many operations one drain cycle claims.
	BatchSize int
	// Concurrency is the fixed pool of in-flight sends (1-4).
	Concurrency int
	// PollInterval is the idle wait between empty drain cycles.
	PollInterval time.Duration
	// BackoffBase and BackoffCap bound the per-operation retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// HeartbeatInterval is the offline probe cadence.
	HeartbeatInterval time.Duration
	// CallTimeout bounds each transport call; a timeout is retryable.
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Concurrency > 4 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = c.BackoffBase * 5
	}
}

// Failure is surfaced to the UI when an operation leaves the retry path.
// Terminal distinguishes a server rejection from retry exhaustion.
type Failure struct {
	Op       model.PendingOperation
	Terminal bool
	Err      error
}

// Engine is the sync engine. Constructed once per attempt session and torn
// down with Stop on navigation away.
type Engine struct {
	store   *queue.Store
	adapter transport.Adapter
	cfg     Config
	backoff *Backoff
	clk     clock.Clock
	log     zerolog.Logger

	online   atomic.Bool
	onlineCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	onFailure func(Failure)
	onOnline  func(bool)
}

// New creates an engine. It starts in the online state; the first
// connectivity-classified failure flips it offline.
func New(store *queue.Store, adapter transport.Adapter, cfg Config, clk clock.Clock, log zerolog.Logger) *Engine {
	cfg.defaults()
	if clk == nil {
		clk = clock.System()
	}
	e := &Engine{
		store:    store,
		adapter:  adapter,
		cfg:      cfg,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		clk:      clk,
		log:      log.With().Str("component", "sync_engine").Logger(),
		onlineCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	e.online.Store(true)
	return e
}

// SetFailureListener registers the callback for abandoned and terminally
// rejected operations.
func (e *Engine) SetFailureListener(fn func(Failure)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

// SetOnlineListener registers the callback for online/offline transitions.
func (e *Engine) SetOnlineListener(fn func(bool)) {
	e.mu.Lock()
	e.onOnline = fn
	e.mu.Unlock()
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline feeds an explicit platform connectivity signal. Flipping online
// wakes the drain loop immediately for a full drain.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	e.log.Info().Bool("online", online).Msg("Connectivity state changed")
	if online {
		select {
		case e.onlineCh <- struct{}{}:
		default:
		}
	}
	e.mu.Lock()
	fn := e.onOnline
	e.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// Start launches the drain loop. Call once.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop halts batch pulling. In-flight sends complete; the call returns once
// the loop has exited. Queued entries stay durable for later resumption.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// DrainWait blocks until the queue settles (nothing pending or in flight)
// or the grace period elapses. Returns true when fully drained. Used during
// teardown after FlushNow.
func (e *Engine) DrainWait(ctx context.Context, grace time.Duration) bool {
	deadline := e.clk.Now().Add(grace)
	for {
		stats, err := e.store.Stats(ctx)
		if err == nil && stats.Settled() {
			return true
		}
		if !e.clk.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-e.clk.After(50 * time.Millisecond):
		}
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	e.log.Info().Msg("Drain loop started")

	ctx := context.Background()
	for {
		select {
		case <-e.stopCh:
			e.log.Info().Msg("Drain loop stopped")
			return
		default:
		}

		if !e.online.Load() {
			if !e.waitOnline(ctx) {
				return
			}
			continue
		}

		batch, err := e.store.NextBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			e.log.Error().Err(err).Msg("Batch claim failed")
			if !e.idle() {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !e.idle() {
				return
			}
			continue
		}
		e.dispatch(ctx, batch)
	}
}

// idle waits one poll interval; returns false when stopping.
func (e *Engine) idle() bool {
	select {
	case <-e.stopCh:
		return false
	case <-e.onlineCh:
		return true
	case <-e.clk.After(e.cfg.PollInterval):
		return true
	}
}

// waitOnline parks the loop until a platform online signal arrives or a
// heartbeat probe succeeds. Returns false when stopping.
func (e *Engine) waitOnline(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return false
	case <-e.onlineCh:
		return true
	case <-e.clk.After(e.cfg.HeartbeatInterval):
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	err := e.adapter.Ping(probeCtx)
	cancel()
	if err != nil {
		e.log.Debug().Err(err).Msg("Heartbeat probe failed")
		return true
	}
	e.SetOnline(true)
	return true
}

// dispatch sends one claimed batch through the worker pool and waits for
// every send to finish before the next claim. Keys in the batch are unique
// (NextBatch never returns an IN_FLIGHT key), so the pool cannot run two
// sends for one key.
func (e *Engine) dispatch(ctx context.Context, batch []model.PendingOperation) {
	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, op := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(op model.PendingOperation) {
			defer wg.Done()
			defer func() { <-sem }()
			e.send(ctx, op)
		}(op)
	}
	wg.Wait()
}

func (e *Engine) send(ctx context.Context, op model.PendingOperation) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	err := e.deliver(callCtx, op)
	cancel()

	if err == nil {
		if ackErr := e.store.Acknowledge(ctx, op.Key, op.Sequence); ackErr != nil {
			e.log.Error().Err(ackErr).Str("key", op.Key).Msg("Acknowledge failed")
		}
		return
	}

	retryable := transport.IsRetryable(err)
	if transport.IsConnectivityLoss(err) {
		e.SetOnline(false)
	}

	delay := e.backoff.Delay(op.Attempts)
	abandoned, failErr := e.store.MarkFailed(ctx, op.Key, retryable, delay, err.Error())
	if failErr != nil {
		e.log.Error().Err(failErr).Str("key", op.Key).Msg("MarkFailed error")
		return
	}

	if abandoned {
		e.log.Warn().Err(err).
			Str("key", op.Key).
			Int("attempts", op.Attempts+1).
			Bool("terminal", !retryable).
			Msg("Operation left the retry path")
		e.mu.Lock()
		fn := e.onFailure
		e.mu.Unlock()
		if fn != nil {
			fn(Failure{Op: op, Terminal: !retryable, Err: err})
		}
		return
	}
	e.log.Debug().Err(err).Str("key", op.Key).Dur("retry_in", delay).Msg("Send failed, will retry")
}

// deliver routes one operation to the matching transport call.
func (e *Engine) deliver(ctx context.Context, op model.PendingOperation) error {
	switch op.Kind {
	case model.OpAnswerUpsert:
		p, err := model.DecodeAnswerPayload(op.Payload)
		if err != nil {
			return transport.Terminal("CORRUPT_PAYLOAD", err)
		}
		return e.adapter.SendAnswer(ctx, p)
	case model.OpProctoringEvent:
		ev, err := model.DecodeProctoringEvent(op.Payload)
		if err != nil {
			return transport.Terminal("CORRUPT_PAYLOAD", err)
		}
		return e.adapter.SendProctoringEvent(ctx, ev)
	case model.OpSubmitAttempt:
		p, err := model.DecodeSubmitPayload(op.Payload)
		if err != nil {
			return transport.Terminal("CORRUPT_PAYLOAD", err)
		}
		return e.adapter.SubmitAttempt(ctx, p.AttemptID)
	default:
		return transport.Terminal("UNKNOWN_KIND", nil)
	}
}
