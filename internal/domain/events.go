package domain

import "time"

// EventKind identifies the type of a domain event on the outbound feed.
type EventKind string

const (
	EventSessionStarted     EventKind = "SESSION_STARTED"
	EventQuestionOpened     EventKind = "QUESTION_OPENED"
	EventQuestionClosed     EventKind = "QUESTION_CLOSED"
	EventSubmissionAccepted EventKind = "SUBMISSION_ACCEPTED"
	EventSessionCompleted   EventKind = "SESSION_COMPLETED"
	EventSessionAborted     EventKind = "SESSION_ABORTED"
)

// DomainEvent is one append-only entry on the per-session event feed.
// Seq is monotonic per session with no gaps; consumers dedupe on
// (SessionID, Seq) since delivery to the durable feed is at-least-once.
type DomainEvent struct {
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionOpenedPayload describes the question window that just opened.
type QuestionOpenedPayload struct {
	QuestionID    string    `json:"questionId"`
	QuestionIndex int       `json:"questionIndex"`
	Deadline      time.Time `json:"deadline"`
}

// QuestionClosedPayload describes a closed question window.
type QuestionClosedPayload struct {
	QuestionID    string `json:"questionId"`
	QuestionIndex int    `json:"questionIndex"`
	EarlyClose    bool   `json:"earlyClose"`
}

// SubmissionAcceptedPayload mirrors the accepted submission.
type SubmissionAcceptedPayload struct {
	ParticipantID string `json:"participantId"`
	QuestionID    string `json:"questionId"`
	Seq           int64  `json:"seq"`
	Correct       bool   `json:"correct"`
	Awarded       int    `json:"awarded"`
}

// AbortPayload carries the operator-supplied abort reason.
type AbortPayload struct {
	Reason string `json:"reason"`
}
