package deadline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/coalesce"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/queue"
)

// timeAdapter scripts ServerTime; every other transport call is unused here.
type timeAdapter struct {
	mu      sync.Mutex
	now     func() time.Time
	err     error
	fetches int
}

func (a *timeAdapter) ServerTime(context.Context) (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.err != nil {
		return time.Time{}, a.err
	}
	return a.now(), nil
}

func (a *timeAdapter) Login(context.Context, string, string) (string, error) { panic("unused") }
func (a *timeAdapter) StartAttempt(context.Context, uuid.UUID, string) (model.AttemptSession, error) {
	panic("unused")
}
func (a *timeAdapter) SendAnswer(context.Context, model.AnswerPayload) error        { panic("unused") }
func (a *timeAdapter) SendProctoringEvent(context.Context, model.ProctoringEvent) error {
	panic("unused")
}
func (a *timeAdapter) SubmitAttempt(context.Context, uuid.UUID) error { panic("unused") }
func (a *timeAdapter) Ping(context.Context) error                     { return nil }

type fixture struct {
	authority *Authority
	store     *queue.Store
	coalescer *coalesce.Coalescer
	adapter   *timeAdapter
	clk       *clock.Fake
	sess      model.AttemptSession
}

func newFixture(t *testing.T, untilDeadline time.Duration, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), queue.Options{Clock: clk, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sess := model.AttemptSession{
		AttemptID: uuid.New(),
		ExamID:    uuid.New(),
		Deadline:  clk.Now().Add(untilDeadline),
		StartedAt: clk.Now(),
		Status:    model.AttemptInProgress,
	}
	adapter := &timeAdapter{now: clk.Now}
	co := coalesce.New(store, sess.AttemptID, time.Second, clk, zerolog.Nop())
	a := New(sess, store, co, adapter, cfg, clk, zerolog.Nop())
	t.Cleanup(a.Stop)
	return &fixture{authority: a, store: store, coalescer: co, adapter: adapter, clk: clk, sess: sess}
}

func countKind(t *testing.T, store *queue.Store, kind model.OpKind) int {
	t.Helper()
	n, err := store.CountKind(context.Background(), kind)
	if err != nil {
		t.Fatalf("CountKind: %v", err)
	}
	return n
}

func TestTicksReportRemainingTime(t *testing.T) {
	f := newFixture(t, 10*time.Second, Config{TickInterval: time.Second, ResyncInterval: time.Hour})

	var mu sync.Mutex
	var ticks []time.Duration
	f.authority.SetTickListener(func(r time.Duration) {
		mu.Lock()
		ticks = append(ticks, r)
		mu.Unlock()
	})

	f.authority.Start()
	f.clk.Advance(3 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	want := []time.Duration{9 * time.Second, 8 * time.Second, 7 * time.Second}
	for i, w := range want {
		if ticks[i] != w {
			t.Errorf("tick %d reported %v, want %v", i, ticks[i], w)
		}
	}
}

func TestZeroCrossingSubmitsExactlyOnce(t *testing.T) {
	f := newFixture(t, 3*time.Second, Config{TickInterval: time.Second, ResyncInterval: time.Hour})

	var expirations int
	f.authority.SetExpiredListener(func() { expirations++ })

	f.authority.Start()
	// Run well past the deadline so multiple ticks observe remaining <= 0.
	f.clk.Advance(6 * time.Second)

	if got := countKind(t, f.store, model.OpSubmitAttempt); got != 1 {
		t.Fatalf("expected exactly 1 queued submit, got %d", got)
	}
	if expirations != 1 {
		t.Fatalf("expected exactly 1 expiration callback, got %d", expirations)
	}
	if f.authority.Session().Status != model.AttemptTimeExpired {
		t.Fatalf("session status = %s, want %s", f.authority.Session().Status, model.AttemptTimeExpired)
	}
}

func TestSubmitFlushesPendingEditsFirst(t *testing.T) {
	f := newFixture(t, time.Hour, Config{TickInterval: time.Second, ResyncInterval: time.Hour})
	draft := "draft"
	f.coalescer.OnAnswerChanged(uuid.New(), model.AnswerValue{Type: model.AnswerText, Text: &draft})

	if err := f.authority.Submit(context.Background(), model.SubmitByStudent); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got := countKind(t, f.store, model.OpAnswerUpsert); got != 1 {
		t.Fatalf("pending edit not flushed before submit, answers queued: %d", got)
	}
	if got := countKind(t, f.store, model.OpSubmitAttempt); got != 1 {
		t.Fatalf("expected 1 queued submit, got %d", got)
	}
	if f.authority.Session().Status != model.AttemptSubmitted {
		t.Fatalf("session status = %s, want %s", f.authority.Session().Status, model.AttemptSubmitted)
	}
}

func TestStudentSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour, Config{TickInterval: time.Second, ResyncInterval: time.Hour})

	for i := 0; i < 3; i++ {
		if err := f.authority.Submit(context.Background(), model.SubmitByStudent); err != nil {
			t.Fatalf("Submit #%d: %v", i+1, err)
		}
	}
	if got := countKind(t, f.store, model.OpSubmitAttempt); got != 1 {
		t.Fatalf("expected 1 queued submit, got %d", got)
	}
}

func TestDriftCorrectionSnapsCountdown(t *testing.T) {
	f := newFixture(t, 10*time.Minute, Config{
		TickInterval:   time.Minute,
		ResyncInterval: 30 * time.Second,
		DriftTolerance: 5 * time.Second,
	})

	var mu sync.Mutex
	var last time.Duration
	f.authority.SetTickListener(func(r time.Duration) {
		mu.Lock()
		last = r
		mu.Unlock()
	})

	// Server runs 20s ahead of the local clock: less remaining than the
	// local interpolation believes.
	f.adapter.mu.Lock()
	f.adapter.now = func() time.Time { return f.clk.Now().Add(20 * time.Second) }
	f.adapter.mu.Unlock()

	f.authority.Start()
	f.clk.Advance(30 * time.Second)

	if got := f.authority.Session().ClockOffset; got != 20*time.Second {
		t.Fatalf("offset not adopted, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	// 30s elapsed locally plus the 20s correction.
	if want := 10*time.Minute - 50*time.Second; last != want {
		t.Fatalf("corrected remaining = %v, want %v", last, want)
	}
}

func TestSmallDriftIsIgnored(t *testing.T) {
	f := newFixture(t, 10*time.Minute, Config{
		TickInterval:   time.Hour,
		ResyncInterval: 30 * time.Second,
		DriftTolerance: 5 * time.Second,
	})

	f.adapter.mu.Lock()
	f.adapter.now = func() time.Time { return f.clk.Now().Add(2 * time.Second) }
	f.adapter.mu.Unlock()

	f.authority.Start()
	f.clk.Advance(30 * time.Second)

	f.adapter.mu.Lock()
	fetches := f.adapter.fetches
	f.adapter.mu.Unlock()
	if fetches == 0 {
		t.Fatal("re-sync never fetched server time")
	}
	if got := f.authority.Session().ClockOffset; got != 0 {
		t.Fatalf("offset adopted within tolerance, got %v", got)
	}
}

func TestResyncCrossingZeroForcesSubmit(t *testing.T) {
	f := newFixture(t, 10*time.Minute, Config{
		TickInterval:   time.Hour, // ticks stay out of the way
		ResyncInterval: 30 * time.Second,
		DriftTolerance: 5 * time.Second,
	})

	// Server is so far ahead the deadline already passed.
	f.adapter.mu.Lock()
	f.adapter.now = func() time.Time { return f.clk.Now().Add(11 * time.Minute) }
	f.adapter.mu.Unlock()

	f.authority.Start()
	f.clk.Advance(30 * time.Second)

	if got := countKind(t, f.store, model.OpSubmitAttempt); got != 1 {
		t.Fatalf("expected forced submit from re-sync, got %d", got)
	}
}

func TestWarningThresholdsFireOnce(t *testing.T) {
	f := newFixture(t, 6*time.Minute, Config{
		TickInterval:   time.Second,
		ResyncInterval: time.Hour,
		Warnings:       []time.Duration{5 * time.Minute, time.Minute},
	})

	var mu sync.Mutex
	warnings := make(map[time.Duration]int)
	f.authority.SetWarningListener(func(threshold, _ time.Duration) {
		mu.Lock()
		warnings[threshold]++
		mu.Unlock()
	})

	f.authority.Start()
	f.clk.Advance(5*time.Minute + 30*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if warnings[5*time.Minute] != 1 {
		t.Fatalf("5m warning fired %d times", warnings[5*time.Minute])
	}
	if warnings[time.Minute] != 1 {
		t.Fatalf("1m warning fired %d times", warnings[time.Minute])
	}
}

func TestStopCancelsTimersWithoutSubmitting(t *testing.T) {
	f := newFixture(t, 3*time.Second, Config{TickInterval: time.Second, ResyncInterval: time.Hour})

	f.authority.Start()
	f.authority.Stop()
	f.clk.Advance(10 * time.Second)

	if got := countKind(t, f.store, model.OpSubmitAttempt); got != 0 {
		t.Fatalf("stopped authority still submitted: %d", got)
	}
}
