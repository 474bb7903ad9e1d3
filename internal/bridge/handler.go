// Package bridge is the localhost surface the exam UI talks to: REST
// endpoints for answers, submission, queue inspection, and proctoring
// signals, plus a WebSocket stream pushing stats, countdown ticks, and
// integrity events back to the UI.
package bridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/deadline"
	"github.com/stemsi/exstem-client/internal/engine"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/proctor"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/validator"
)

// Handler serves the UI bridge endpoints for one attempt session.
type Handler struct {
	store     *queue.Store
	coalescer *coalesce.Coalescer
	engine    *engine.Engine
	authority *deadline.Authority
	collector *proctor.Collector
	hub       *Hub
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a bridge handler.
func NewHandler(store *queue.Store, coalescer *coalesce.Coalescer, eng *engine.Engine,
	authority *deadline.Authority, collector *proctor.Collector, hub *Hub,
	log zerolog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		store:     store,
		coalescer: coalescer,
		engine:    eng,
		authority: authority,
		collector: collector,
		hub:       hub,
		log:       log.With().Str("component", "bridge").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// ─── Session ────────────────────────────────────────────────────────

// GetSession godoc
// GET /api/v1/session
// Returns the attempt session plus the authoritative remaining time.
func (h *Handler) GetSession(c *gin.Context) {
	sess := h.authority.Session()
	response.Success(c, http.StatusOK, gin.H{
		"session":           sess,
		"remaining_seconds": int(h.authority.Remaining().Seconds()),
		"online":            h.engine.Online(),
	})
}

// ─── Answers ────────────────────────────────────────────────────────

// AnswerRequest is one UI answer-change event.
type AnswerRequest struct {
	QuestionID uuid.UUID         `json:"question_id" binding:"required"`
	Value      model.AnswerValue `json:"value" binding:"required"`
}

// SaveAnswer godoc
// POST /api/v1/answers
// Feeds the coalescing layer; the write becomes durable when the debounce
// window settles (or on flush).
func (h *Handler) SaveAnswer(c *gin.Context) {
	if h.finished(c) {
		return
	}
	var req AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if err := h.coalescer.OnAnswerChanged(req.QuestionID, req.Value); err != nil {
		if errors.Is(err, model.ErrInvalidAnswer) {
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "debouncing"})
}

// FlushRequest optionally narrows a flush to one question.
type FlushRequest struct {
	QuestionID *uuid.UUID `json:"question_id"`
}

// FlushAnswers godoc
// POST /api/v1/answers/flush
// Bypasses the debounce window. Used before page close.
func (h *Handler) FlushAnswers(c *gin.Context) {
	var req FlushRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var err error
	if req.QuestionID != nil {
		err = h.coalescer.FlushQuestion(c.Request.Context(), *req.QuestionID)
	} else {
		err = h.coalescer.FlushNow(c.Request.Context())
	}
	if err != nil {
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "flushed"})
}

// SubmitAttempt godoc
// POST /api/v1/submit
// Student-initiated submission: flush, then enqueue the terminal submit.
func (h *Handler) SubmitAttempt(c *gin.Context) {
	if err := h.authority.Submit(c.Request.Context(), model.SubmitByStudent); err != nil {
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "submitted"})
}

// ─── Queue ──────────────────────────────────────────────────────────

// GetQueueStats godoc
// GET /api/v1/queue/stats
func (h *Handler) GetQueueStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"stats": stats, "online": h.engine.Online()})
}

// GetAbandoned godoc
// GET /api/v1/queue/abandoned
// Lists operations that left the retry path, for the UI's manual-retry list.
func (h *Handler) GetAbandoned(c *gin.Context) {
	ops, err := h.store.Abandoned(c.Request.Context())
	if err != nil {
		h.failPersistence(c, err)
		return
	}
	if ops == nil {
		ops = []model.PendingOperation{}
	}
	response.Success(c, http.StatusOK, gin.H{"operations": ops})
}

// RetryRequest names the abandoned operation to re-queue.
type RetryRequest struct {
	Key string `json:"key" binding:"required"`
}

// RetryAbandoned godoc
// POST /api/v1/queue/retry
func (h *Handler) RetryAbandoned(c *gin.Context) {
	var req RetryRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if err := h.store.RetryAbandoned(c.Request.Context(), req.Key); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "requeued"})
}

// ConnectivityRequest carries the platform online/offline signal.
type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// SetConnectivity godoc
// POST /api/v1/connectivity
// Feeds the browser's online/offline events into the sync engine.
func (h *Handler) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	h.engine.SetOnline(*req.Online)
	response.Success(c, http.StatusOK, gin.H{"online": *req.Online})
}

// ─── Proctoring ─────────────────────────────────────────────────────

// ConsentRequest records the camera consent decision.
type ConsentRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

// SetConsent godoc
// POST /api/v1/proctor/consent
func (h *Handler) SetConsent(c *gin.Context) {
	var req ConsentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var err error
	if *req.Granted {
		err = h.collector.GrantConsent(c.Request.Context())
	} else {
		err = h.collector.DenyConsent(c.Request.Context())
	}
	if err != nil {
		if errors.Is(err, proctor.ErrConsentDenied) {
			response.Fail(c, http.StatusConflict, response.ErrConsentDenied)
			return
		}
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"capture_enabled": h.collector.ConsentGranted()})
}

// VisibilityRequest carries a tab visibility transition.
type VisibilityRequest struct {
	Hidden *bool `json:"hidden" binding:"required"`
}

// ReportVisibility godoc
// POST /api/v1/proctor/visibility
func (h *Handler) ReportVisibility(c *gin.Context) {
	var req VisibilityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if err := h.collector.OnVisibilityChange(c.Request.Context(), *req.Hidden); err != nil {
		h.failPersistence(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "recorded"})
}

// SnapshotRequest carries one camera frame (base64 via JSON bytes).
type SnapshotRequest struct {
	Frame []byte `json:"frame" binding:"required"`
}

// CaptureSnapshot godoc
// POST /api/v1/proctor/snapshot
// Throttled requests return 429 and the frame is dropped, not queued.
func (h *Handler) CaptureSnapshot(c *gin.Context) {
	var req SnapshotRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	err := h.collector.CaptureSnapshot(c.Request.Context(), req.Frame)
	switch {
	case errors.Is(err, proctor.ErrConsentRequired):
		response.Fail(c, http.StatusForbidden, response.ErrConsentRequired)
	case errors.Is(err, proctor.ErrConsentDenied):
		response.Fail(c, http.StatusForbidden, response.ErrConsentDenied)
	case errors.Is(err, proctor.ErrCaptureThrottled):
		response.Fail(c, http.StatusTooManyRequests, response.ErrCaptureThrottled)
	case err != nil:
		h.failPersistence(c, err)
	default:
		response.Success(c, http.StatusOK, gin.H{"status": "captured"})
	}
}

// ─── Stream ─────────────────────────────────────────────────────────

// Stream godoc
// GET /stream
// Upgrades to WebSocket and pushes stats, deadline ticks, and proctoring
// events until the client disconnects.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Stream upgrade failed")
		return
	}
	h.hub.add(conn)
	h.log.Debug().Msg("UI stream client connected")

	// Reads are only consumed to detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.hub.remove(conn)
				return
			}
		}
	}()
}

// ─── Helpers ────────────────────────────────────────────────────────

func (h *Handler) finished(c *gin.Context) bool {
	if h.authority.Session().Status != model.AttemptInProgress {
		response.Fail(c, http.StatusConflict, response.ErrAttemptFinished)
		return true
	}
	return false
}

func (h *Handler) failPersistence(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrPersistence) {
		// Non-transient: answers may be lost past this point.
		h.log.Error().Err(err).Msg("Local persistence failure")
		response.Fail(c, http.StatusInsufficientStorage, response.ErrPersistence)
		return
	}
	h.log.Error().Err(err).Msg("Bridge request failed")
	response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
}
