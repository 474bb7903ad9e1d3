// Package proctor collects session-integrity signals: visibility changes,
// periodic camera snapshots, and time warnings. Every observation becomes an
// immutable event queued through the same durable path as answers, in its
// own key namespace with no coalescing.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
)

// ErrConsentRequired is returned when a capture arrives before consent.
var ErrConsentRequired = errors.New("camera consent has not been granted")

// ErrConsentDenied is returned when capture is permanently disabled.
var ErrConsentDenied = errors.New("camera consent was denied for this session")

// ErrCaptureThrottled is returned when a capture arrives before the minimum
// interval has elapsed; the frame is dropped, not queued.
var ErrCaptureThrottled = errors.New("snapshot capture throttled")

// Config tunes the collector.
type Config struct {
	// MinCaptureInterval gates snapshot cadence; earlier requests drop.
	MinCaptureInterval time.Duration
	// BacklogCap bounds simultaneously queued proctoring events. When the
	// cap is hit, the oldest still-pending events are pruned.
	BacklogCap int
}

func (c *Config) defaults() {
	if c.MinCaptureInterval <= 0 {
		c.MinCaptureInterval = 30 * time.Second
	}
	if c.BacklogCap <= 0 {
		c.BacklogCap = 512
	}
}

type consentState int

const (
	consentUnset consentState = iota
	consentGranted
	consentDenied
)

// Collector is constructed once per attempt session and torn down with the
// rest of the sync core on navigation away.
type Collector struct {
	store     *queue.Store
	attemptID uuid.UUID
	cfg       Config
	clk       clock.Clock
	log       zerolog.Logger

	mu          sync.Mutex
	consent     consentState
	lastCapture time.Time
	onEvent     func(model.ProctoringEvent)
}

// New creates a collector for one attempt.
func New(store *queue.Store, attemptID uuid.UUID, cfg Config, clk clock.Clock, log zerolog.Logger) *Collector {
	cfg.defaults()
	if clk == nil {
		clk = clock.System()
	}
	return &Collector{
		store:     store,
		attemptID: attemptID,
		cfg:       cfg,
		clk:       clk,
		log:       log.With().Str("component", "proctor").Logger(),
	}
}

// SetEventListener registers the callback used for local UI feedback
// (camera indicator, warning toasts). Called after the event is durable.
func (c *Collector) SetEventListener(fn func(model.ProctoringEvent)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// GrantConsent records the student's capture consent. No capture device
// access happens before this.
func (c *Collector) GrantConsent(ctx context.Context) error {
	c.mu.Lock()
	if c.consent == consentDenied {
		c.mu.Unlock()
		return ErrConsentDenied
	}
	c.consent = consentGranted
	c.mu.Unlock()
	return c.record(ctx, model.ProctorConsentGranted, nil, nil)
}

// DenyConsent records the denial and permanently disables capture for the
// session. No further prompts.
func (c *Collector) DenyConsent(ctx context.Context) error {
	c.mu.Lock()
	c.consent = consentDenied
	c.mu.Unlock()
	return c.record(ctx, model.ProctorCameraPermissionDenied, nil, nil)
}

// ConsentGranted reports whether snapshot capture is currently allowed.
func (c *Collector) ConsentGranted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consent == consentGranted
}

// OnVisibilityChange records a tab focus transition.
func (c *Collector) OnVisibilityChange(ctx context.Context, hidden bool) error {
	evType := model.ProctorTabVisible
	if hidden {
		evType = model.ProctorTabHidden
	}
	return c.record(ctx, evType, nil, nil)
}

// OnTimeWarning records a remaining-time threshold crossing. Wired to the
// deadline authority's warning listener.
func (c *Collector) OnTimeWarning(ctx context.Context, threshold, remaining time.Duration) error {
	return c.record(ctx, model.ProctorTimeWarning, map[string]string{
		"threshold": threshold.String(),
		"remaining": remaining.String(),
	}, nil)
}

// CaptureSnapshot queues one camera frame, snappy-compressed. Requires
// consent; requests inside the minimum interval since the last accepted
// capture are dropped to bound bandwidth and storage.
func (c *Collector) CaptureSnapshot(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	switch c.consent {
	case consentUnset:
		c.mu.Unlock()
		return ErrConsentRequired
	case consentDenied:
		c.mu.Unlock()
		return ErrConsentDenied
	}
	now := c.clk.Now()
	if !c.lastCapture.IsZero() && now.Sub(c.lastCapture) < c.cfg.MinCaptureInterval {
		c.mu.Unlock()
		return ErrCaptureThrottled
	}
	c.lastCapture = now
	c.mu.Unlock()

	compressed := snappy.Encode(nil, frame)
	return c.record(ctx, model.ProctorSnapshotCaptured, map[string]string{
		"raw_bytes": fmt.Sprintf("%d", len(frame)),
	}, compressed)
}

func (c *Collector) record(ctx context.Context, evType model.ProctorEventType, details map[string]string, snapshot []byte) error {
	ev := model.ProctoringEvent{
		ID:        uuid.New(),
		AttemptID: c.attemptID,
		Type:      evType,
		Timestamp: c.clk.Now(),
		Details:   details,
		Snapshot:  snapshot,
	}
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := c.store.Enqueue(ctx, model.ProctorKey(ev.ID), model.OpProctoringEvent, payload); err != nil {
		c.log.Error().Err(err).Str("type", string(evType)).Msg("Event enqueue failed")
		return err
	}
	c.enforceBacklogCap(ctx)

	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	return nil
}

// enforceBacklogCap prunes the oldest pending events once the queued count
// exceeds the cap. Answer operations are never touched.
func (c *Collector) enforceBacklogCap(ctx context.Context) {
	n, err := c.store.CountKind(ctx, model.OpProctoringEvent)
	if err != nil || n <= c.cfg.BacklogCap {
		return
	}
	if _, err := c.store.PruneKind(ctx, model.OpProctoringEvent, c.cfg.BacklogCap); err != nil {
		c.log.Error().Err(err).Msg("Backlog prune failed")
	}
}
