package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/model"
)

func openTestStore(t *testing.T, path string, clk clock.Clock) *Store {
	t.Helper()
	s, err := Open(path, Options{MaxAttempts: 3, Clock: clk, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "queue.db")
}

func mustEnqueue(t *testing.T, s *Store, key string, kind model.OpKind, payload string) {
	t.Helper()
	if err := s.Enqueue(context.Background(), key, kind, []byte(payload)); err != nil {
		t.Fatalf("Enqueue %s: %v", key, err)
	}
}

func mustStats(t *testing.T, s *Store) model.QueueStats {
	t.Helper()
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return stats
}

func TestEnqueueCoalescesAnswerKeys(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	key := model.AnswerKey(uuid.New(), uuid.New())

	mustEnqueue(t, s, key, model.OpAnswerUpsert, `"A"`)
	mustEnqueue(t, s, key, model.OpAnswerUpsert, `"AB"`)
	mustEnqueue(t, s, key, model.OpAnswerUpsert, `"ABC"`)

	stats := mustStats(t, s)
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending after coalescing, got %d", stats.Pending)
	}

	batch, err := s.NextBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(batch))
	}
	if string(batch[0].Payload) != `"ABC"` {
		t.Fatalf("expected last edit to win, got %s", batch[0].Payload)
	}
}

func TestProctoringEventsAreNotCoalesced(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)

	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, model.ProctorKey(uuid.New()), model.OpProctoringEvent, `{}`)
	}
	if got := mustStats(t, s).Pending; got != 3 {
		t.Fatalf("expected 3 pending events, got %d", got)
	}
}

func TestNextBatchOrdersBySequenceAndClaims(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)

	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"1"`)
	mustEnqueue(t, s, "k2", model.OpAnswerUpsert, `"2"`)
	mustEnqueue(t, s, "k3", model.OpAnswerUpsert, `"3"`)

	batch, err := s.NextBatch(context.Background(), 2)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 2 || batch[0].Key != "k1" || batch[1].Key != "k2" {
		t.Fatalf("unexpected batch order: %+v", batch)
	}
	for _, op := range batch {
		if op.State != model.OpStateInFlight {
			t.Fatalf("claimed batch entry not in flight: %+v", op)
		}
	}

	// A second claim must not return the same entries.
	second, err := s.NextBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(second) != 1 || second[0].Key != "k3" {
		t.Fatalf("expected only k3 claimable, got %+v", second)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := testPath(t)
	s := openTestStore(t, path, nil)

	for i := 0; i < 5; i++ {
		mustEnqueue(t, s, model.AnswerKey(uuid.New(), uuid.New()), model.OpAnswerUpsert, `"v"`)
	}
	// Claim two so the reopened store sees IN_FLIGHT leftovers, then drop
	// the handle without any teardown.
	if _, err := s.NextBatch(context.Background(), 2); err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	s.Close()

	reopened := openTestStore(t, path, nil)
	n, err := reopened.ResetInFlight(context.Background())
	if err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 in-flight resets, got %d", n)
	}
	if got := mustStats(t, reopened).Pending; got != 5 {
		t.Fatalf("expected all 5 entries pending after reopen, got %d", got)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)

	batch, _ := s.NextBatch(context.Background(), 1)
	if err := s.Acknowledge(context.Background(), batch[0].Key, batch[0].Sequence); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := s.Acknowledge(context.Background(), batch[0].Key, batch[0].Sequence); err != nil {
		t.Fatalf("duplicate ack must be a no-op, got %v", err)
	}
	if total := mustStats(t, s).Total(); total != 0 {
		t.Fatalf("expected empty queue, got %d entries", total)
	}
}

func TestAcknowledgeSequenceGuardKeepsRacingEdit(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"old"`)

	batch, _ := s.NextBatch(context.Background(), 1)

	// Edit lands while the send is in flight: payload superseded in place.
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"new"`)

	// The ack for the old sequence must not delete the newer payload.
	if err := s.Acknowledge(context.Background(), "k1", batch[0].Sequence); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	next, err := s.NextBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(next) != 1 || string(next[0].Payload) != `"new"` {
		t.Fatalf("expected superseding edit to survive the ack, got %+v", next)
	}
}

func TestMarkFailedAbandonAfterCeiling(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	s := openTestStore(t, testPath(t), clk)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)

	// MaxAttempts is 3: two retryable failures stay pending, the third
	// abandons.
	for i := 0; i < 2; i++ {
		s.NextBatch(context.Background(), 1)
		abandoned, err := s.MarkFailed(context.Background(), "k1", true, 0, "timeout")
		if err != nil {
			t.Fatalf("MarkFailed #%d: %v", i+1, err)
		}
		if abandoned {
			t.Fatalf("abandoned too early on attempt %d", i+1)
		}
	}
	s.NextBatch(context.Background(), 1)
	abandoned, err := s.MarkFailed(context.Background(), "k1", true, 0, "timeout")
	if err != nil {
		t.Fatalf("MarkFailed final: %v", err)
	}
	if !abandoned {
		t.Fatal("expected abandonment at the retry ceiling")
	}

	// Abandoned entries are never claimed again.
	batch, _ := s.NextBatch(context.Background(), 10)
	if len(batch) != 0 {
		t.Fatalf("abandoned entry was claimed: %+v", batch)
	}
	if got := mustStats(t, s).Abandoned; got != 1 {
		t.Fatalf("expected 1 abandoned, got %d", got)
	}
}

func TestMarkFailedTerminalAbandonsImmediately(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)
	s.NextBatch(context.Background(), 1)

	abandoned, err := s.MarkFailed(context.Background(), "k1", false, 0, "attempt already submitted")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !abandoned {
		t.Fatal("terminal failure must abandon regardless of attempt count")
	}
}

func TestNextBatchHonorsRetryDelay(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	s := openTestStore(t, testPath(t), clk)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)

	s.NextBatch(context.Background(), 1)
	if _, err := s.MarkFailed(context.Background(), "k1", true, 10*time.Second, "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if batch, _ := s.NextBatch(context.Background(), 1); len(batch) != 0 {
		t.Fatalf("entry claimable before its retry delay elapsed: %+v", batch)
	}
	clk.Advance(11 * time.Second)
	if batch, _ := s.NextBatch(context.Background(), 1); len(batch) != 1 {
		t.Fatal("entry not claimable after its retry delay elapsed")
	}
}

func TestRetryAbandonedRequeues(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)
	s.NextBatch(context.Background(), 1)
	s.MarkFailed(context.Background(), "k1", false, 0, "rejected")

	if err := s.RetryAbandoned(context.Background(), "k1"); err != nil {
		t.Fatalf("RetryAbandoned: %v", err)
	}
	batch, _ := s.NextBatch(context.Background(), 1)
	if len(batch) != 1 || batch[0].Attempts != 0 {
		t.Fatalf("expected requeued entry with fresh attempt budget, got %+v", batch)
	}

	if err := s.RetryAbandoned(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestEnqueueOverAbandonedResetsBudget(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)
	s.NextBatch(context.Background(), 1)
	s.MarkFailed(context.Background(), "k1", false, 0, "rejected")

	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v2"`)
	batch, _ := s.NextBatch(context.Background(), 1)
	if len(batch) != 1 || batch[0].Attempts != 0 || string(batch[0].Payload) != `"v2"` {
		t.Fatalf("fresh edit over abandoned entry not re-queued cleanly: %+v", batch)
	}
}

func TestPruneKindDropsOldestPending(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	keys := make([]string, 5)
	for i := range keys {
		keys[i] = model.ProctorKey(uuid.New())
		mustEnqueue(t, s, keys[i], model.OpProctoringEvent, `{}`)
	}

	dropped, err := s.PruneKind(context.Background(), model.OpProctoringEvent, 3)
	if err != nil {
		t.Fatalf("PruneKind: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	n, _ := s.CountKind(context.Background(), model.OpProctoringEvent)
	if n != 3 {
		t.Fatalf("expected 3 remaining, got %d", n)
	}
}

func TestStatsListenerFires(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)
	var last model.QueueStats
	s.SetStatsListener(func(stats model.QueueStats) { last = stats })

	mustEnqueue(t, s, "k1", model.OpAnswerUpsert, `"v"`)
	if last.Pending != 1 {
		t.Fatalf("listener not notified of enqueue, got %+v", last)
	}
}

func TestAttemptSessionRoundTrip(t *testing.T) {
	s := openTestStore(t, testPath(t), nil)

	sess := model.AttemptSession{
		AttemptID:   uuid.New(),
		ExamID:      uuid.New(),
		Token:       "tok",
		Deadline:    time.Now().Add(time.Hour).Truncate(time.Millisecond),
		ClockOffset: 1500 * time.Millisecond,
		StartedAt:   time.Now().Truncate(time.Millisecond),
		Status:      model.AttemptInProgress,
	}
	if err := s.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.AttemptID != sess.AttemptID || got.ClockOffset != sess.ClockOffset ||
		!got.Deadline.Equal(sess.Deadline) || got.Status != sess.Status {
		t.Fatalf("session mismatch: got %+v want %+v", got, sess)
	}
}
