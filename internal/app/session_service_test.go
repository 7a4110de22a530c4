package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

func scenarioConfig() app.SessionConfig {
	cfg := app.DefaultSessionConfig()
	cfg.QuestionDuration = 150 * time.Millisecond
	cfg.GradingWindow = 20 * time.Millisecond
	cfg.LeaseTTL = time.Second
	cfg.RenewInterval = 200 * time.Millisecond
	cfg.SubmissionRate = 100
	cfg.SubmissionBurst = 100
	cfg.ArchiveGrace = time.Hour
	return cfg
}

type fixture struct {
	service *app.SessionService
	log     *memory.EventLog
}

func newFixture(t *testing.T, node string, registry app.SessionRegistry, cfg app.SessionConfig) *fixture {
	t.Helper()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{ID: "q1", Prompt: "2+2?", Options: []domain.Option{{ID: "o1", Text: "4", Correct: true}, {ID: "o2", Text: "5"}}},
				{ID: "q2", Prompt: "6/2?", Options: []domain.Option{{ID: "o1", Text: "3", Correct: true}, {ID: "o2", Text: "4"}}},
			},
		},
	}), time.Minute)

	eventLog := memory.NewEventLog()
	broadcaster := app.NewBroadcaster(64, 3)
	publisher := app.NewPublisher(eventLog, 64, 3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go publisher.Run(ctx)

	service := app.NewSessionService(registry, quizzes, broadcaster, publisher, node, cfg)
	t.Cleanup(cancel)
	return &fixture{service: service, log: eventLog}
}

func waitState(t *testing.T, service *app.SessionService, sessionID string, state domain.SessionState, index int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := service.Snapshot(context.Background(), sessionID)
		if err == nil && snap.State == state && (index < 0 || snap.QuestionIndex == index) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, err := service.Snapshot(context.Background(), sessionID)
	t.Fatalf("session never reached %s/%d: last %+v err %v", state, index, snap, err)
}

func waitEvents(t *testing.T, log *memory.EventLog, sessionID string, n int) []domain.DomainEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := log.SessionEvents(sessionID)
		if len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, len(log.SessionEvents(sessionID)))
	return nil
}

// Full lifecycle: two questions, three participants, early close on
// Q1, deadline timeout on Q2.
func TestSessionLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "node-a", memory.NewRegistry(time.Second), scenarioConfig())

	if _, err := f.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := f.service.Join(ctx, "s1", p, p); err != nil {
			t.Fatalf("join %s: %v", p, err)
		}
	}

	if err := f.service.OpenNext(ctx, "s1"); err != nil {
		t.Fatalf("open q1: %v", err)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, _, _, err := f.service.Submit(ctx, "s1", p, "q1", "o1", time.Now()); err != nil {
			t.Fatalf("submit %s q1: %v", p, err)
		}
	}

	// All expected participants answered: Q1 closes early, and after
	// the grading window Q2 opens automatically.
	waitState(t, f.service, "s1", domain.StateQuestionActive, 1)

	for _, p := range []string{"p1", "p2"} {
		if _, _, _, err := f.service.Submit(ctx, "s1", p, "q2", "o1", time.Now()); err != nil {
			t.Fatalf("submit %s q2: %v", p, err)
		}
	}

	// p3 never answers Q2: the deadline closes it, then the session
	// completes because no questions remain.
	waitState(t, f.service, "s1", domain.StateCompleted, -1)

	evs := waitEvents(t, f.log, "s1", 11)
	var lifecycle []domain.EventKind
	accepted := 0
	for _, ev := range evs {
		if ev.Kind == domain.EventSubmissionAccepted {
			accepted++
			continue
		}
		lifecycle = append(lifecycle, ev.Kind)
	}
	if accepted != 5 {
		t.Fatalf("expected exactly 5 accepted submissions, got %d", accepted)
	}
	want := []domain.EventKind{
		domain.EventSessionStarted,
		domain.EventQuestionOpened,
		domain.EventQuestionClosed,
		domain.EventQuestionOpened,
		domain.EventQuestionClosed,
		domain.EventSessionCompleted,
	}
	if len(lifecycle) != len(want) {
		t.Fatalf("expected %d lifecycle events, got %d: %v", len(want), len(lifecycle), lifecycle)
	}
	for i, kind := range want {
		if lifecycle[i] != kind {
			t.Fatalf("lifecycle event %d: expected %s, got %s", i, kind, lifecycle[i])
		}
	}

	// Feed sequence numbers are gap-free and strictly increasing.
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, expected %d", i, ev.Seq, i+1)
		}
	}
}

func TestLateSubmissionRejectedAfterClose(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	cfg.GradingWindow = time.Hour // hold in QUESTION_CLOSED
	f := newFixture(t, "node-a", memory.NewRegistry(time.Second), cfg)

	if _, err := f.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, err := f.service.Join(ctx, "s1", p, p); err != nil {
			t.Fatalf("join %s: %v", p, err)
		}
	}
	if err := f.service.OpenNext(ctx, "s1"); err != nil {
		t.Fatalf("open q1: %v", err)
	}
	for _, p := range []string{"p1", "p2", "p3"} {
		if _, _, _, err := f.service.Submit(ctx, "s1", p, "q1", "o1", time.Now()); err != nil {
			t.Fatalf("submit %s: %v", p, err)
		}
	}
	waitState(t, f.service, "s1", domain.StateQuestionClosed, 0)

	if _, err := f.service.Join(ctx, "s1", "p4", "p4"); err != nil {
		t.Fatalf("join p4: %v", err)
	}
	_, _, _, err := f.service.Submit(ctx, "s1", "p4", "q1", "o1", time.Now())
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("expected SessionNotActive after close, got %v", err)
	}

	accepted := 0
	for _, ev := range f.log.SessionEvents("s1") {
		if ev.Kind == domain.EventSubmissionAccepted {
			accepted++
		}
	}
	if accepted != 3 {
		t.Fatalf("accepted submissions for q1 must stay 3, got %d", accepted)
	}
}

func TestAbortReleasesLeaseAndNotifies(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRegistry(time.Second)
	f := newFixture(t, "node-a", registry, scenarioConfig())

	if _, err := f.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.service.Abort(ctx, "s1", "fleet failure"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	snap, err := f.service.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateAborted {
		t.Fatalf("expected ABORTED, got %s", snap.State)
	}
	if f.service.Owns("s1") {
		t.Fatalf("abort must drop local ownership")
	}

	// Lease is released: a second node can acquire immediately.
	if _, err := registry.Acquire(ctx, "s1", "node-b"); err != nil {
		t.Fatalf("lease should be free after abort: %v", err)
	}

	evs := waitEvents(t, f.log, "s1", 2)
	last := evs[len(evs)-1]
	if last.Kind != domain.EventSessionAborted {
		t.Fatalf("expected abort event last, got %s", last.Kind)
	}
}

func TestOwnershipExclusiveAcrossNodes(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRegistry(time.Minute)
	a := newFixture(t, "node-a", registry, scenarioConfig())
	b := newFixture(t, "node-b", registry, scenarioConfig())

	if _, err := a.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start on a: %v", err)
	}
	if _, err := b.service.Start(ctx, "s1", "quiz-1"); !errors.Is(err, domain.ErrOwnershipConflict) {
		t.Fatalf("expected ownership conflict on b, got %v", err)
	}
	if _, err := b.service.Join(ctx, "s1", "p1", "p1"); !errors.Is(err, domain.ErrOwnershipConflict) {
		t.Fatalf("join on non-owner must conflict, got %v", err)
	}
}

// Simulated owner crash: the lease expires, another node adopts the
// session from the last durably saved record and continues without
// replaying or skipping a transition.
func TestLeaseHandoffResumesAtSavedVersion(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	cfg.QuestionDuration = time.Hour // deadline must not interfere
	cfg.RenewInterval = time.Hour    // node-a stops renewing, as if crashed
	cfg.EarlyClose = false
	registry := memory.NewRegistry(time.Minute)

	a := newFixture(t, "node-a", registry, cfg)
	b := newFixture(t, "node-b", registry, cfg)

	if _, err := a.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, p := range []string{"p1", "p2"} {
		if _, err := a.service.Join(ctx, "s1", p, p); err != nil {
			t.Fatalf("join %s: %v", p, err)
		}
	}
	if err := a.service.OpenNext(ctx, "s1"); err != nil {
		t.Fatalf("open q1: %v", err)
	}
	if _, _, _, err := a.service.Submit(ctx, "s1", "p1", "q1", "o1", time.Now()); err != nil {
		t.Fatalf("submit on a: %v", err)
	}

	before, err := a.service.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot before crash: %v", err)
	}

	// Takeover is blocked while the lease is live.
	if _, err := b.service.Adopt(ctx, "s1"); !errors.Is(err, domain.ErrOwnershipConflict) {
		t.Fatalf("adopt against live lease must conflict, got %v", err)
	}

	registry.ExpireLease("s1")

	after, err := b.service.Adopt(ctx, "s1")
	if err != nil {
		t.Fatalf("adopt after expiry: %v", err)
	}
	if after.LastSeq != before.LastSeq {
		t.Fatalf("resume must land on last saved version: %d vs %d", after.LastSeq, before.LastSeq)
	}
	if after.State != domain.StateQuestionActive || after.QuestionID != "q1" {
		t.Fatalf("resume must keep the open window: %+v", after)
	}

	// p1's earlier answer survives the handoff: resubmission is a
	// duplicate, p2 can still answer, and versions keep increasing.
	if _, _, _, err := b.service.Submit(ctx, "s1", "p1", "q1", "o1", time.Now()); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate after handoff, got %v", err)
	}
	sub, _, _, err := b.service.Submit(ctx, "s1", "p2", "q1", "o1", time.Now())
	if err != nil {
		t.Fatalf("submit on b: %v", err)
	}
	if sub.Seq != 2 {
		t.Fatalf("acceptance sequence must continue at 2, got %d", sub.Seq)
	}

	resumed, err := b.service.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot after handoff: %v", err)
	}
	if resumed.LastSeq <= before.LastSeq {
		t.Fatalf("version must keep increasing across handoff: %d -> %d", before.LastSeq, resumed.LastSeq)
	}
}

// flakyRegistry injects transient SaveRecord failures, as from a store
// hiccup, and then heals.
type flakyRegistry struct {
	app.SessionRegistry
	mu       sync.Mutex
	failures int
}

func (r *flakyRegistry) fail(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func (r *flakyRegistry) SaveRecord(ctx context.Context, rec domain.SessionRecord, prevVersion int64) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("session store unavailable")
	}
	r.mu.Unlock()
	return r.SessionRegistry.SaveRecord(ctx, rec, prevVersion)
}

// A save failure must leave the session at its last durable state so
// the caller's retry succeeds, and a failed submission must leave no
// trace: no recorded answer, no version bump, no hole in the feed.
func TestTransientSaveFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	cfg.QuestionDuration = time.Hour
	cfg.EarlyClose = false
	flaky := &flakyRegistry{SessionRegistry: memory.NewRegistry(time.Minute)}
	f := newFixture(t, "node-a", flaky, cfg)

	if _, err := f.service.Start(ctx, "s1", "quiz-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.Join(ctx, "s1", "p1", "p1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	flaky.fail(1)
	if err := f.service.OpenNext(ctx, "s1"); err == nil {
		t.Fatalf("open during store outage should fail")
	}
	snap, err := f.service.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateLobby {
		t.Fatalf("failed open must leave the session in LOBBY, got %s", snap.State)
	}
	if err := f.service.OpenNext(ctx, "s1"); err != nil {
		t.Fatalf("retry after store recovery: %v", err)
	}
	snap, err = f.service.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateQuestionActive || snap.QuestionID != "q1" {
		t.Fatalf("retry must open q1, got %+v", snap)
	}

	flaky.fail(1)
	if _, _, _, err := f.service.Submit(ctx, "s1", "p1", "q1", "o1", time.Now()); err == nil {
		t.Fatalf("submit during store outage should fail")
	}
	sub, _, _, err := f.service.Submit(ctx, "s1", "p1", "q1", "o1", time.Now())
	if err != nil {
		t.Fatalf("resubmit after store recovery must not be a duplicate: %v", err)
	}
	if sub.Seq != 1 {
		t.Fatalf("first durable acceptance should get seq 1, got %d", sub.Seq)
	}

	// Exactly one acceptance was published and sequence numbers stay
	// contiguous: the failed attempts left no hole in the feed.
	evs := waitEvents(t, f.log, "s1", 3)
	accepted := 0
	for i, ev := range evs {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, expected %d", i, ev.Seq, i+1)
		}
		if ev.Kind == domain.EventSubmissionAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly 1 accepted submission in the feed, got %d", accepted)
	}
}

// Concurrent starts for the same session on one node: exactly one may
// win, and the losers must not release the winner's lease.
func TestConcurrentStartSingleWinner(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRegistry(time.Minute)
	f := newFixture(t, "node-a", registry, scenarioConfig())

	const starters = 4
	var wg sync.WaitGroup
	errs := make([]error, starters)
	release := make(chan struct{})
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-release
			_, errs[i] = f.service.Start(ctx, "s1", "quiz-1")
		}(i)
	}
	close(release)
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrOwnershipConflict):
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning start, got %d", winners)
	}
	if !f.service.Owns("s1") {
		t.Fatalf("winner must keep local ownership")
	}
	// The lease is still held: another node cannot acquire it.
	if _, err := registry.Acquire(ctx, "s1", "node-b"); !errors.Is(err, domain.ErrOwnershipConflict) {
		t.Fatalf("lease must stay with the winner, got %v", err)
	}
}
