package app

import (
	"time"

	"quiz-session-service/internal/domain"
)

// The transition functions below are pure: they take a session value,
// return the next value plus the single event the transition emits, and
// never touch I/O. An out-of-order call returns ErrInvalidTransition
// and leaves the input untouched, so callers can safely retry after
// re-reading current state. Every transition increments Version, and
// the event Seq equals the new version, which keeps the per-session
// feed gap-free.

// StartSession moves a freshly created session into the lobby.
func StartSession(s domain.Session, now time.Time) (domain.Session, domain.DomainEvent, error) {
	if s.State != domain.StatePending {
		return s, domain.DomainEvent{}, domain.ErrInvalidTransition
	}
	s.State = domain.StateLobby
	s.Version++
	return s, event(s, domain.EventSessionStarted, nil, now), nil
}

// OpenNextQuestion advances to the next question window, fixing the
// expected participant set and the answer deadline. When no questions
// remain it completes the session instead.
func OpenNextQuestion(s domain.Session, expected []string, duration time.Duration, now time.Time) (domain.Session, domain.DomainEvent, error) {
	if s.State != domain.StateLobby && s.State != domain.StateQuestionClosed {
		return s, domain.DomainEvent{}, domain.ErrInvalidTransition
	}
	if s.QuestionIndex+1 >= len(s.QuestionIDs) {
		s.State = domain.StateCompleted
		s.Expected = nil
		s.Deadline = time.Time{}
		s.Version++
		return s, event(s, domain.EventSessionCompleted, nil, now), nil
	}
	s.QuestionIndex++
	s.State = domain.StateQuestionActive
	s.Deadline = now.Add(duration)
	s.Expected = append([]string(nil), expected...)
	s.Version++
	payload := domain.QuestionOpenedPayload{
		QuestionID:    s.QuestionIDs[s.QuestionIndex],
		QuestionIndex: s.QuestionIndex,
		Deadline:      s.Deadline,
	}
	return s, event(s, domain.EventQuestionOpened, payload, now), nil
}

// CloseQuestion ends the open question window, either on deadline
// expiry or because every expected participant answered.
func CloseQuestion(s domain.Session, early bool, now time.Time) (domain.Session, domain.DomainEvent, error) {
	if s.State != domain.StateQuestionActive {
		return s, domain.DomainEvent{}, domain.ErrInvalidTransition
	}
	questionID := s.QuestionIDs[s.QuestionIndex]
	s.State = domain.StateQuestionClosed
	s.Deadline = time.Time{}
	s.Version++
	payload := domain.QuestionClosedPayload{
		QuestionID:    questionID,
		QuestionIndex: s.QuestionIndex,
		EarlyClose:    early,
	}
	return s, event(s, domain.EventQuestionClosed, payload, now), nil
}

// AbortSession cancels the session from any non-terminal state.
func AbortSession(s domain.Session, reason string, now time.Time) (domain.Session, domain.DomainEvent, error) {
	if s.State.Terminal() {
		return s, domain.DomainEvent{}, domain.ErrInvalidTransition
	}
	s.State = domain.StateAborted
	s.AbortReason = reason
	s.Deadline = time.Time{}
	s.Expected = nil
	s.Version++
	return s, event(s, domain.EventSessionAborted, domain.AbortPayload{Reason: reason}, now), nil
}

func event(s domain.Session, kind domain.EventKind, payload any, now time.Time) domain.DomainEvent {
	return domain.DomainEvent{
		SessionID: s.ID,
		Seq:       s.Version,
		Kind:      kind,
		Payload:   payload,
		Timestamp: now,
	}
}
