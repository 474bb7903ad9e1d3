// Package coalesce merges rapid local edits to the same question into a
// single queued write per debounce window, so typing does not flood the
// durable queue while the final keystroke always wins.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
)

// Coalescer debounces answer edits per question. The value captured when
// the timer fires is the latest one seen, not the one present when the
// timer was armed.
type Coalescer struct {
	store     *queue.Store
	attemptID uuid.UUID
	window    time.Duration
	clk       clock.Clock
	log       zerolog.Logger

	// onError receives persistence failures from debounce-fired enqueues,
	// which have no caller to return to.
	onError func(error)

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingEdit
	closed  bool
}

type pendingEdit struct {
	value model.AnswerValue
	timer clock.Timer
}

// New creates a coalescer for one attempt. window defaults to 1 second.
func New(store *queue.Store, attemptID uuid.UUID, window time.Duration, clk clock.Clock, log zerolog.Logger) *Coalescer {
	if window <= 0 {
		window = time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Coalescer{
		store:     store,
		attemptID: attemptID,
		window:    window,
		clk:       clk,
		log:       log.With().Str("component", "coalescer").Logger(),
		pending:   make(map[uuid.UUID]*pendingEdit),
	}
}

// SetErrorListener registers the callback for enqueue failures raised by
// timer-fired flushes.
func (c *Coalescer) SetErrorListener(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnAnswerChanged records value as the latest answer for the question and
// (re)starts its debounce window. The value is validated up front so a
// malformed edit fails loudly at the UI boundary instead of at send time.
func (c *Coalescer) OnAnswerChanged(questionID uuid.UUID, value model.AnswerValue) error {
	if err := value.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	if edit, ok := c.pending[questionID]; ok {
		edit.value = value
		edit.timer.Reset(c.window)
		return nil
	}

	edit := &pendingEdit{value: value}
	edit.timer = c.clk.AfterFunc(c.window, func() {
		if err := c.flushOne(context.Background(), questionID); err != nil {
			c.log.Error().Err(err).Str("question_id", questionID.String()).Msg("Debounced enqueue failed")
			c.mu.Lock()
			fn := c.onError
			c.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		}
	})
	c.pending[questionID] = edit
	return nil
}

// FlushQuestion bypasses the debounce window for one question. The store's
// durability guarantee holds when this returns nil.
func (c *Coalescer) FlushQuestion(ctx context.Context, questionID uuid.UUID) error {
	return c.flushOne(ctx, questionID)
}

// FlushNow enqueues every pending in-memory edit immediately. Must be
// called (and its error honored) before a submit is enqueued, so no answer
// is silently dropped at submit time.
func (c *Coalescer) FlushNow(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.flushOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels outstanding debounce timers without flushing. Queued
// entries are unaffected; only unsettled in-memory edits are dropped, so
// callers flush first during a graceful teardown.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, edit := range c.pending {
		edit.timer.Stop()
		delete(c.pending, id)
	}
}

// PendingCount reports how many questions have an unsettled edit.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer) flushOne(ctx context.Context, questionID uuid.UUID) error {
	c.mu.Lock()
	edit, ok := c.pending[questionID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	value := edit.value
	edit.timer.Stop()
	delete(c.pending, questionID)
	c.mu.Unlock()

	payload, err := model.AnswerPayload{
		AttemptID:  c.attemptID,
		QuestionID: questionID,
		Value:      value,
	}.Marshal()
	if err != nil {
		return err
	}
	return c.store.Enqueue(ctx, model.AnswerKey(c.attemptID, questionID), model.OpAnswerUpsert, payload)
}
