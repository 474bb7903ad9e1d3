// Package session bootstraps and tears down one exam attempt: login,
// attempt start, clock offset measurement, persistence of the session record
// for resumption after a reload, and the ordered teardown of the sync core.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/deadline"
	"github.com/stemsi/exstem-client/internal/engine"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/transport"
)

// ErrNoResumableAttempt means no stored attempt can be continued.
var ErrNoResumableAttempt = errors.New("no resumable attempt session")

// Manager owns attempt lifecycle on the client.
type Manager struct {
	store   *queue.Store
	adapter transport.Adapter
	clk     clock.Clock
	log     zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(store *queue.Store, adapter transport.Adapter, clk clock.Clock, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{
		store:   store,
		adapter: adapter,
		clk:     clk,
		log:     log.With().Str("component", "session").Logger(),
	}
}

// Login exchanges credentials for a session token.
func (m *Manager) Login(ctx context.Context, nisn, password string) (string, error) {
	return m.adapter.Login(ctx, nisn, password)
}

// Start joins the exam, measures the initial clock offset against the
// server, and persists the session so a reload resumes the same attempt.
func (m *Manager) Start(ctx context.Context, examID uuid.UUID, entryToken string) (model.AttemptSession, error) {
	sess, err := m.adapter.StartAttempt(ctx, examID, entryToken)
	if err != nil {
		return model.AttemptSession{}, err
	}

	if serverNow, err := m.adapter.ServerTime(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Initial server time fetch failed, assuming zero offset")
	} else {
		sess.ClockOffset = serverNow.Sub(m.clk.Now())
	}

	m.checkTokenExpiry(sess)

	if err := m.store.SaveSession(ctx, sess); err != nil {
		// Without a durable session record, a reload would strand the queue.
		return model.AttemptSession{}, err
	}

	m.log.Info().
		Str("attempt_id", sess.AttemptID.String()).
		Time("deadline", sess.Deadline).
		Dur("clock_offset", sess.ClockOffset).
		Msg("Attempt started")
	return sess, nil
}

// Resume returns the stored attempt session when it is still in progress
// and its deadline has not passed; otherwise ErrNoResumableAttempt.
func (m *Manager) Resume(ctx context.Context) (model.AttemptSession, error) {
	sess, err := m.store.LoadSession(ctx)
	if errors.Is(err, queue.ErrNotFound) {
		return model.AttemptSession{}, ErrNoResumableAttempt
	}
	if err != nil {
		return model.AttemptSession{}, err
	}
	if sess.Status != model.AttemptInProgress || sess.Remaining(m.clk.Now()) <= 0 {
		return model.AttemptSession{}, ErrNoResumableAttempt
	}
	m.log.Info().
		Str("attempt_id", sess.AttemptID.String()).
		Dur("remaining", sess.Remaining(m.clk.Now())).
		Msg("Resuming stored attempt")
	return sess, nil
}

// checkTokenExpiry decodes the session token without verification (the
// signing secret is server-side) and warns when the token expires before
// the exam deadline, since the stream would start failing mid-attempt.
func (m *Manager) checkTokenExpiry(sess model.AttemptSession) {
	if sess.Token == "" {
		return
	}
	token, _, err := jwt.NewParser().ParseUnverified(sess.Token, jwt.MapClaims{})
	if err != nil {
		m.log.Debug().Err(err).Msg("Session token is not a decodable JWT")
		return
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Time.Before(sess.Deadline) {
		m.log.Warn().
			Time("token_expiry", exp.Time).
			Time("deadline", sess.Deadline).
			Msg("Session token expires before the exam deadline")
	}
}

// Teardown runs the ordered shutdown for navigation away or process exit:
// flush unsettled edits, stop the deadline timers, stop pulling batches,
// then wait up to grace for the queue to settle. Undelivered entries stay
// durable for later resumption.
func Teardown(ctx context.Context, c *coalesce.Coalescer, e *engine.Engine, a *deadline.Authority, grace time.Duration, log zerolog.Logger) {
	if a != nil {
		a.Stop()
	}
	if c != nil {
		if err := c.FlushNow(ctx); err != nil {
			log.Error().Err(err).Msg("Final flush failed")
		}
		c.Close()
	}
	if e != nil {
		drained := e.DrainWait(ctx, grace)
		e.Stop()
		if !drained {
			log.Warn().Msg("Teardown grace elapsed with operations still queued; they remain durable")
		}
	}
}
