package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/model"
)

// Config configures the production transport.
type Config struct {
	// BaseURL is the HTTP API root, e.g. https://exam.school.id/api/v1
	BaseURL string
	// StreamURL is the WebSocket root, e.g. wss://exam.school.id/ws/v1
	StreamURL string
	// CallTimeout bounds every single network call.
	CallTimeout time.Duration
}

// Client is the production Adapter: HTTP JSON for bootstrap endpoints and
// the exam WebSocket stream for autosave/cheat/submit actions.
//
// Stream calls are serialized: the exam protocol has no correlation ids, so
// one request/response pair is outstanding at a time. The engine's per-key
// single-flight invariant does not depend on this; it only bounds stream
// interleaving.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	token  string
	examID uuid.UUID
}

// NewClient creates a transport client. The session token and exam id are
// set later, once login and attempt start complete.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.CallTimeout},
		log:  log.With().Str("component", "transport").Logger(),
	}
}

// SetSession installs the token and exam id used for authenticated calls
// and the stream dial. Closes any previous stream.
func (c *Client) SetSession(token string, examID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.examID = examID
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ─── HTTP bootstrap endpoints ───────────────────────────────────────

// apiEnvelope mirrors the server's response envelope.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Login(ctx context.Context, nisn, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"nisn": nisn, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/student/login", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) StartAttempt(ctx context.Context, examID uuid.UUID, entryToken string) (model.AttemptSession, error) {
	var out struct {
		Session struct {
			ID        uuid.UUID `json:"id"`
			ExamID    uuid.UUID `json:"exam_id"`
			StartedAt time.Time `json:"started_at"`
		} `json:"session"`
		Deadline time.Time `json:"deadline"`
		Token    string    `json:"token"`
	}
	body := map[string]string{"entry_token": entryToken}
	path := fmt.Sprintf("/student/exams/%s/join", examID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return model.AttemptSession{}, err
	}
	return model.AttemptSession{
		AttemptID: out.Session.ID,
		ExamID:    out.Session.ExamID,
		Token:     out.Token,
		Deadline:  out.Deadline,
		StartedAt: out.Session.StartedAt,
		Status:    model.AttemptInProgress,
	}, nil
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime time.Time `json:"server_time"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/system/time", nil, &out); err != nil {
		return time.Time{}, err
	}
	return out.ServerTime, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Terminal("INVALID_PAYLOAD", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return Terminal("INVALID_REQUEST", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return Retryable(fmt.Errorf("status %d", resp.StatusCode))
		}
		return Retryable(fmt.Errorf("decode response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return Retryable(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		code := "REJECTED"
		var cause error
		if env.Error != nil {
			code = env.Error.Code
			cause = errors.New(env.Error.Message)
		}
		return Terminal(code, cause)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return Terminal("INVALID_RESPONSE", err)
		}
	}
	return nil
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(err)
	}
	// Refused connections, DNS failures, resets: the link is down.
	return ConnectivityLoss(err)
}

// ─── Exam stream operations ─────────────────────────────────────────

func (c *Client) SendAnswer(ctx context.Context, p model.AnswerPayload) error {
	encoded, err := json.Marshal(p.Value)
	if err != nil {
		return Terminal("INVALID_PAYLOAD", err)
	}
	return c.streamCall(ctx, AutosaveRequest{
		Action: ActionAutosave,
		QID:    p.QuestionID.String(),
		Answer: string(encoded),
	})
}

func (c *Client) SendProctoringEvent(ctx context.Context, e model.ProctoringEvent) error {
	payload, err := e.Marshal()
	if err != nil {
		return Terminal("INVALID_PAYLOAD", err)
	}
	return c.streamCall(ctx, CheatRequest{
		Action:  ActionCheat,
		Payload: string(payload),
	})
}

func (c *Client) SubmitAttempt(ctx context.Context, attemptID uuid.UUID) error {
	return c.streamCall(ctx, SubmitRequest{Action: ActionSubmit})
}

func (c *Client) Ping(ctx context.Context) error {
	return c.streamCall(ctx, PingRequest{Action: ActionPing})
}

// streamCall sends one action over the exam stream and waits for the
// server's event. Any network-level failure tears down the connection and
// classifies as connectivity loss; the next call redials.
func (c *Client) streamCall(ctx context.Context, req interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		c.dropConnLocked()
		return ConnectivityLoss(err)
	}

	conn.SetReadDeadline(deadline)
	var env EventEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		c.dropConnLocked()
		return ConnectivityLoss(err)
	}

	if env.Event == EventError {
		return Terminal("REJECTED", errors.New(env.Error))
	}
	return nil
}

func (c *Client) ensureConnLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if c.token == "" || c.examID == uuid.Nil {
		return nil, Terminal("NO_SESSION", errors.New("stream used before attempt start"))
	}

	streamURL := fmt.Sprintf("%s/student/exams/%s/stream?token=%s",
		c.cfg.StreamURL, c.examID, url.QueryEscape(c.token))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, streamURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, Terminal("STREAM_REJECTED", err)
		}
		return nil, ConnectivityLoss(err)
	}
	c.log.Debug().Msg("Exam stream connected")
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the stream connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
	return nil
}
