package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/deadline"
	"github.com/stemsi/exstem-client/internal/engine"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/proctor"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/validator"
)

type bridgeFixture struct {
	router    *gin.Engine
	store     *queue.Store
	coalescer *coalesce.Coalescer
	collector *proctor.Collector
	clk       *clock.Fake
}

// stubAdapter satisfies the transport contract; the engine is never started
// in these tests so no call should ever land here.
type stubAdapter struct{}

func (stubAdapter) Login(context.Context, string, string) (string, error) { panic("unused") }
func (stubAdapter) StartAttempt(context.Context, uuid.UUID, string) (model.AttemptSession, error) {
	panic("unused")
}
func (stubAdapter) SendAnswer(context.Context, model.AnswerPayload) error            { panic("unused") }
func (stubAdapter) SendProctoringEvent(context.Context, model.ProctoringEvent) error { panic("unused") }
func (stubAdapter) SubmitAttempt(context.Context, uuid.UUID) error                   { panic("unused") }
func (stubAdapter) ServerTime(context.Context) (time.Time, error)                    { panic("unused") }
func (stubAdapter) Ping(context.Context) error                                       { return nil }

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	validator.Setup()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), queue.Options{Clock: clk, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sess := model.AttemptSession{
		AttemptID: uuid.New(),
		ExamID:    uuid.New(),
		Deadline:  clk.Now().Add(time.Hour),
		StartedAt: clk.Now(),
		Status:    model.AttemptInProgress,
	}
	adapter := stubAdapter{}
	co := coalesce.New(store, sess.AttemptID, time.Second, clk, zerolog.Nop())
	eng := engine.New(store, adapter, engine.Config{}, clk, zerolog.Nop())
	authority := deadline.New(sess, store, co, adapter, deadline.Config{}, clk, zerolog.Nop())
	collector := proctor.New(store, sess.AttemptID, proctor.Config{MinCaptureInterval: 30 * time.Second}, clk, zerolog.Nop())
	hub := NewHub(zerolog.Nop())

	h := NewHandler(store, co, eng, authority, collector, hub, zerolog.Nop(), nil)
	router := SetupRouter(h, &config.Config{GinMode: gin.TestMode})
	return &bridgeFixture{router: router, store: store, coalescer: co, collector: collector, clk: clk}
}

func (f *bridgeFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == nil {
		t.Fatalf("response has no error object: %s", w.Body.String())
	}
	return body.Error.Code
}

func TestSaveAnswerDebouncesThenPersists(t *testing.T) {
	f := newBridgeFixture(t)
	text := "jawaban"

	w := f.do(t, http.MethodPost, "/api/v1/answers", gin.H{
		"question_id": uuid.New(),
		"value":       model.AnswerValue{Type: model.AnswerText, Text: &text},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Still debouncing, nothing durable yet.
	if stats, _ := f.store.Stats(context.Background()); stats.Total() != 0 {
		t.Fatalf("answer persisted before the window settled: %+v", stats)
	}
	f.clk.Advance(time.Second)
	if stats, _ := f.store.Stats(context.Background()); stats.Pending != 1 {
		t.Fatalf("answer not persisted after the window: %+v", stats)
	}
}

func TestSaveAnswerRejectsInvalidValue(t *testing.T) {
	f := newBridgeFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/answers", gin.H{
		"question_id": uuid.New(),
		"value":       gin.H{"type": "text"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if code := errCode(t, w); code != "INVALID_PAYLOAD" {
		t.Fatalf("error code = %s", code)
	}
}

func TestSaveAnswerValidationFailure(t *testing.T) {
	f := newBridgeFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/answers", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if code := errCode(t, w); code != "VALIDATION_ERROR" {
		t.Fatalf("error code = %s", code)
	}
}

func TestFlushPersistsImmediately(t *testing.T) {
	f := newBridgeFixture(t)
	text := "draft"
	if err := f.coalescer.OnAnswerChanged(uuid.New(), model.AnswerValue{Type: model.AnswerText, Text: &text}); err != nil {
		t.Fatalf("OnAnswerChanged: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/answers/flush", gin.H{})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if stats, _ := f.store.Stats(context.Background()); stats.Pending != 1 {
		t.Fatalf("flush did not persist: %+v", stats)
	}
}

func TestSubmitThenAnswerConflicts(t *testing.T) {
	f := newBridgeFixture(t)

	if w := f.do(t, http.MethodPost, "/api/v1/submit", nil); w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}

	text := "terlambat"
	w := f.do(t, http.MethodPost, "/api/v1/answers", gin.H{
		"question_id": uuid.New(),
		"value":       model.AnswerValue{Type: model.AnswerText, Text: &text},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("post-submit answer status = %d", w.Code)
	}
	if code := errCode(t, w); code != "ATTEMPT_FINISHED" {
		t.Fatalf("error code = %s", code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newBridgeFixture(t)
	if err := f.store.Enqueue(context.Background(), "k1", model.OpAnswerUpsert, []byte(`"v"`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := f.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data struct {
			Stats  model.QueueStats `json:"stats"`
			Online bool             `json:"online"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Stats.Pending != 1 || !body.Data.Online {
		t.Fatalf("unexpected stats payload: %+v", body.Data)
	}
}

func TestRetryUnknownKeyReturnsNotFound(t *testing.T) {
	f := newBridgeFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/queue/retry", gin.H{"key": "missing"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if code := errCode(t, w); code != "NOT_FOUND" {
		t.Fatalf("error code = %s", code)
	}
}

func TestSnapshotConsentFlow(t *testing.T) {
	f := newBridgeFixture(t)
	frame := gin.H{"frame": []byte("jpeg")}

	// Before consent.
	if w := f.do(t, http.MethodPost, "/api/v1/proctor/snapshot", frame); w.Code != http.StatusForbidden {
		t.Fatalf("pre-consent status = %d", w.Code)
	}

	if w := f.do(t, http.MethodPost, "/api/v1/proctor/consent", gin.H{"granted": true}); w.Code != http.StatusOK {
		t.Fatalf("consent status = %d, body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/api/v1/proctor/snapshot", frame); w.Code != http.StatusOK {
		t.Fatalf("post-consent capture status = %d, body %s", w.Code, w.Body.String())
	}

	// Second capture inside the interval is throttled.
	w := f.do(t, http.MethodPost, "/api/v1/proctor/snapshot", frame)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled capture status = %d", w.Code)
	}
	if code := errCode(t, w); code != "CAPTURE_THROTTLED" {
		t.Fatalf("error code = %s", code)
	}
}

func TestConsentGrantAfterDenialConflicts(t *testing.T) {
	f := newBridgeFixture(t)

	if w := f.do(t, http.MethodPost, "/api/v1/proctor/consent", gin.H{"granted": false}); w.Code != http.StatusOK {
		t.Fatalf("deny status = %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/v1/proctor/consent", gin.H{"granted": true})
	if w.Code != http.StatusConflict {
		t.Fatalf("grant-after-deny status = %d", w.Code)
	}
}

func TestVisibilityReportQueuesEvent(t *testing.T) {
	f := newBridgeFixture(t)

	if w := f.do(t, http.MethodPost, "/api/v1/proctor/visibility", gin.H{"hidden": true}); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	n, err := f.store.CountKind(context.Background(), model.OpProctoringEvent)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 queued event, got %d (err %v)", n, err)
	}
}

func TestSessionEndpointReportsRemaining(t *testing.T) {
	f := newBridgeFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/session", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Data struct {
			RemainingSeconds int `json:"remaining_seconds"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.RemainingSeconds != 3600 {
		t.Fatalf("remaining_seconds = %d, want 3600", body.Data.RemainingSeconds)
	}
}
