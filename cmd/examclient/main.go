package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/stemsi/exstem-client/internal/bridge"
	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/deadline"
	"github.com/stemsi/exstem-client/internal/engine"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/proctor"
	"github.com/stemsi/exstem-client/internal/queue"
	"github.com/stemsi/exstem-client/internal/session"
	"github.com/stemsi/exstem-client/internal/transport"
	"github.com/stemsi/exstem-client/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("bridge_port", cfg.BridgePort).
		Str("server", cfg.ServerBaseURL).
		Msg("Starting ExStem Exam Client")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System()

	// ─── Open Durable Queue ────────────────────────────────────────────
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data dir")
	}
	store, err := queue.Open(cfg.QueuePath(), queue.Options{
		MaxAttempts: cfg.MaxSendAttempts,
		Clock:       clk,
		Log:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open local queue")
	}
	defer store.Close()

	// The outcome of sends interrupted by the previous run is unknown.
	if _, err := store.ResetInFlight(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to reset in-flight operations")
	}

	// ─── Transport ─────────────────────────────────────────────────────
	adapter := transport.NewClient(transport.Config{
		BaseURL:     cfg.ServerBaseURL,
		StreamURL:   cfg.StreamBaseURL,
		CallTimeout: cfg.CallTimeout,
	}, log)
	defer adapter.Close()

	// ─── Attempt Session (resume or start) ─────────────────────────────
	mgr := session.NewManager(store, adapter, clk, log)
	sess, err := mgr.Resume(ctx)
	if err != nil {
		sess, err = startAttempt(ctx, mgr, adapter)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start attempt")
		}
	}
	adapter.SetSession(sess.Token, sess.ExamID)

	// ─── Build the Sync Core ───────────────────────────────────────────
	coalescer := coalesce.New(store, sess.AttemptID, cfg.DebounceWindow, clk, log)
	eng := engine.New(store, adapter, engine.Config{
		Concurrency: cfg.DrainConcurrency,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		CallTimeout: cfg.CallTimeout,
	}, clk, log)
	authority := deadline.New(sess, store, coalescer, adapter, deadline.Config{
		ResyncInterval: cfg.ResyncInterval,
		DriftTolerance: cfg.DriftTolerance,
		Warnings:       []time.Duration{5 * time.Minute, time.Minute},
		CallTimeout:    cfg.CallTimeout,
	}, clk, log)
	collector := proctor.New(store, sess.AttemptID, proctor.Config{
		MinCaptureInterval: cfg.CaptureInterval,
		BacklogCap:         cfg.ProctorBacklogCap,
	}, clk, log)

	// ─── Wire UI Push Events ───────────────────────────────────────────
	hub := bridge.NewHub(log)
	store.SetStatsListener(hub.BroadcastStats)
	eng.SetOnlineListener(func(online bool) {
		hub.Broadcast(bridge.EventConnectivity, map[string]bool{"online": online})
	})
	eng.SetFailureListener(func(f engine.Failure) {
		hub.Broadcast(bridge.EventSyncFailure, bridge.SyncFailureData{
			Key:      f.Op.Key,
			Kind:     string(f.Op.Kind),
			Terminal: f.Terminal,
			Error:    f.Err.Error(),
		})
	})
	authority.SetTickListener(func(remaining time.Duration) {
		hub.Broadcast(bridge.EventDeadlineTick, map[string]int{
			"remaining_seconds": int(remaining.Seconds()),
		})
	})
	authority.SetExpiredListener(func() {
		hub.Broadcast(bridge.EventDeadlineExpired, nil)
	})
	authority.SetWarningListener(func(threshold, remaining time.Duration) {
		if err := collector.OnTimeWarning(context.Background(), threshold, remaining); err != nil {
			log.Error().Err(err).Msg("Time warning event failed")
		}
	})
	collector.SetEventListener(func(ev model.ProctoringEvent) {
		ev.Snapshot = nil // UI feedback only needs the metadata
		hub.Broadcast(bridge.EventProctor, ev)
	})

	// ─── Start Background Loops ────────────────────────────────────────
	eng.Start()
	authority.Start()

	// ─── Bridge HTTP Server ────────────────────────────────────────────
	handler := bridge.NewHandler(store, coalescer, eng, authority, collector, hub, log, cfg.AllowedOrigins)
	srv := &http.Server{
		Addr:    "127.0.0.1:" + cfg.BridgePort,
		Handler: bridge.SetupRouter(handler, cfg),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Bridge listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Bridge server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Bridge shutdown error")
	}

	// Flush unsettled edits and give the queue a bounded chance to drain.
	// Whatever is still queued survives in the store for the next run.
	session.Teardown(context.Background(), coalescer, eng, authority, cfg.TeardownGrace, log)

	log.Info().Msg("Shutdown complete")
}

// startAttempt runs the interactive bootstrap: credentials and exam entry
// come from the environment when set, otherwise from a terminal prompt.
func startAttempt(ctx context.Context, mgr *session.Manager, adapter *transport.Client) (model.AttemptSession, error) {
	nisn := os.Getenv("STUDENT_NISN")
	if nisn == "" {
		nisn = promptLine("NISN: ")
	}
	password := os.Getenv("STUDENT_PASSWORD")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return model.AttemptSession{}, err
		}
		password = string(raw)
	}

	token, err := mgr.Login(ctx, nisn, password)
	if err != nil {
		return model.AttemptSession{}, err
	}
	adapter.SetSession(token, uuid.Nil)

	examRaw := os.Getenv("EXAM_ID")
	if examRaw == "" {
		examRaw = promptLine("Exam ID: ")
	}
	examID, err := uuid.Parse(examRaw)
	if err != nil {
		return model.AttemptSession{}, fmt.Errorf("invalid exam id: %w", err)
	}
	entryToken := os.Getenv("ENTRY_TOKEN")
	if entryToken == "" {
		entryToken = promptLine("Entry token: ")
	}

	sess, err := mgr.Start(ctx, examID, entryToken)
	if err != nil {
		return model.AttemptSession{}, err
	}
	if sess.Token == "" {
		sess.Token = token
	}
	return sess, nil
}

func promptLine(label string) string {
	fmt.Fprint(os.Stderr, label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(line)
}
