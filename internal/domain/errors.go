package domain

import "errors"

var (
	// ErrInvalidTransition is returned for an out-of-order lifecycle call.
	// The caller must re-read current state; nothing was changed.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrOwnershipConflict means another node holds the session lease;
	// retry against the resolved current owner.
	ErrOwnershipConflict = errors.New("session owned by another node")
	// ErrLeaseExpired means this node's lease lapsed before renewal.
	ErrLeaseExpired = errors.New("session lease expired")
	// ErrSessionNotActive rejects a submission outside an open question
	// window or against a question that is not the open one.
	ErrSessionNotActive = errors.New("session not accepting submissions")
	// ErrDuplicateSubmission rejects a second answer for the same question.
	ErrDuplicateSubmission = errors.New("submission already accepted")
	// ErrRateLimited rejects submissions above the per-participant budget.
	ErrRateLimited = errors.New("submission rate exceeded")
	// ErrSessionNotFound is returned when a session has not been started.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
)
