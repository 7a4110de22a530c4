package app

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"quiz-session-service/internal/domain"
)

func testKey() domain.AnswerKey {
	return domain.AnswerKey{
		QuestionIDs: []string{"q1", "q2", "q3", "q4", "q5"},
		Correct:     map[string]string{"q1": "o1", "q2": "o1", "q3": "o1", "q4": "o1", "q5": "o1"},
		Points:      map[string]int{"q1": 1, "q2": 2, "q3": 1, "q4": 1, "q5": 1},
	}
}

func activeRuntime(t *testing.T, limit rate.Limit, burst int, participants ...string) *sessionRuntime {
	t.Helper()
	now := time.Now()
	session := domain.Session{
		ID:            "s1",
		QuizID:        "quiz-1",
		QuestionIDs:   testKey().QuestionIDs,
		State:         domain.StatePending,
		QuestionIndex: -1,
	}
	session, _, _ = StartSession(session, now)
	rt := newSessionRuntime(domain.SessionRecord{Session: session, NextSubSeq: 1}, testKey(), limit, burst, true, time.Now)
	for _, p := range participants {
		rt.join(p, p)
	}
	opened, _, err := OpenNextQuestion(rt.rec.Session, rt.participantIDs(), time.Minute, now)
	if err != nil {
		t.Fatalf("open question: %v", err)
	}
	rt.rec.Session = opened
	return rt
}

// mustSubmit accepts an answer and commits the staged record, the way
// the service does after a successful save.
func mustSubmit(t *testing.T, rt *sessionRuntime, participantID, questionID, optionID string) submitResult {
	t.Helper()
	res, err := rt.submit(participantID, questionID, optionID, time.Now())
	if err != nil {
		t.Fatalf("submit %s/%s: %v", participantID, questionID, err)
	}
	rt.commit(res.staged)
	return res
}

func TestSubmitAcceptsAndScores(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2")

	res := mustSubmit(t, rt, "p1", "q1", "o1")
	if !res.correct || res.awarded != 1 {
		t.Fatalf("expected correct answer worth 1, got %+v", res)
	}
	if res.submission.Seq != 1 {
		t.Fatalf("first acceptance should get seq 1, got %d", res.submission.Seq)
	}
	if res.closed {
		t.Fatalf("question must stay open while p2 has not answered")
	}

	p := rt.rec.Participants["p1"]
	if p.Score != 1 {
		t.Fatalf("expected score 1, got %d", p.Score)
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2")

	mustSubmit(t, rt, "p1", "q1", "o1")
	_, err := rt.submit("p1", "q1", "o2", time.Now())
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if rt.rec.Participants["p1"].Score != 1 {
		t.Fatalf("duplicate must not change score, got %d", rt.rec.Participants["p1"].Score)
	}
}

func TestSubmitRejectsWrongQuestion(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1")
	_, err := rt.submit("p1", "q2", "o1", time.Now())
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("expected SessionNotActive for non-open question, got %v", err)
	}
}

func TestSubmitRateLimitBurst(t *testing.T) {
	// 1 token/second, burst 1: five rapid submissions for distinct
	// questions yield one acceptance and four rate rejections.
	rt := activeRuntime(t, 1, 1, "p1", "p2")

	accepted, limited := 0, 0
	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		res, err := rt.submit("p1", q, "o1", time.Now())
		switch {
		case err == nil:
			rt.commit(res.staged)
			accepted++
		case errors.Is(err, domain.ErrRateLimited):
			limited++
		default:
			t.Fatalf("unexpected error for %s: %v", q, err)
		}
	}
	if accepted != 1 || limited != 4 {
		t.Fatalf("expected 1 accepted / 4 rate limited, got %d / %d", accepted, limited)
	}
}

func TestSubmitSequenceFollowsAcceptanceOrder(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2", "p3")

	var lastSeq int64
	var lastAccepted time.Time
	for _, p := range []string{"p2", "p3", "p1"} {
		res := mustSubmit(t, rt, p, "q1", "o1")
		if res.submission.Seq <= lastSeq {
			t.Fatalf("seq must increase with acceptance order: %d after %d", res.submission.Seq, lastSeq)
		}
		if res.submission.AcceptedAt.Before(lastAccepted) {
			t.Fatalf("accepted timestamps out of order")
		}
		lastSeq = res.submission.Seq
		lastAccepted = res.submission.AcceptedAt
	}
}

func TestEarlyCloseWhenAllExpectedAnswered(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2")

	res := mustSubmit(t, rt, "p1", "q1", "o1")
	if res.closed {
		t.Fatalf("first answer must not close: res=%+v", res)
	}

	// A mid-question joiner must not extend the expected set.
	rt.join("p3", "Late")

	res = mustSubmit(t, rt, "p2", "q1", "o2")
	if !res.closed {
		t.Fatalf("expected early close once the open-time participant set answered")
	}
	if rt.rec.Session.State != domain.StateQuestionClosed {
		t.Fatalf("expected QUESTION_CLOSED, got %s", rt.rec.Session.State)
	}
	if len(res.events) != 2 || res.events[1].Kind != domain.EventQuestionClosed {
		t.Fatalf("expected acceptance + close events, got %+v", res.events)
	}
	closed, ok := res.events[1].Payload.(domain.QuestionClosedPayload)
	if !ok || !closed.EarlyClose {
		t.Fatalf("close event should flag early close, got %+v", res.events[1].Payload)
	}
}

func TestSubmitStagesUntilCommit(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2")
	versionBefore := rt.rec.Session.Version

	res, err := rt.submit("p1", "q1", "o1", time.Now())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rt.rec.Session.Version != versionBefore {
		t.Fatalf("uncommitted submit bumped version to %d", rt.rec.Session.Version)
	}
	if _, answered := rt.rec.Participants["p1"].Answered["q1"]; answered {
		t.Fatalf("uncommitted submit recorded the answer")
	}

	// Without the commit the answer never happened, so retrying is not
	// a duplicate and gets the same sequence number.
	retry, err := rt.submit("p1", "q1", "o1", time.Now())
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if retry.submission.Seq != res.submission.Seq {
		t.Fatalf("retry seq %d, want %d", retry.submission.Seq, res.submission.Seq)
	}

	rt.commit(retry.staged)
	if rt.rec.Session.Version != versionBefore+1 {
		t.Fatalf("committed submit should bump version once, got %d", rt.rec.Session.Version)
	}
	if _, answered := rt.rec.Participants["p1"].Answered["q1"]; !answered {
		t.Fatalf("committed submit must record the answer")
	}
}

func TestSnapshotScoreboardOrdering(t *testing.T) {
	rt := activeRuntime(t, 100, 10, "p1", "p2", "p3")

	mustSubmit(t, rt, "p2", "q1", "o1")
	snap := rt.snapshot()
	if snap.Scoreboard[0].ParticipantID != "p2" || snap.Scoreboard[0].Score != 1 {
		t.Fatalf("expected p2 leading, got %+v", snap.Scoreboard[0])
	}
	if snap.LastSeq != rt.rec.Session.Version {
		t.Fatalf("snapshot LastSeq %d != version %d", snap.LastSeq, rt.rec.Session.Version)
	}
}
