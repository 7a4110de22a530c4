package domain

import "time"

// SessionState is the lifecycle phase of a live quiz session.
type SessionState string

const (
	StatePending        SessionState = "PENDING"
	StateLobby          SessionState = "LOBBY"
	StateQuestionActive SessionState = "QUESTION_ACTIVE"
	StateQuestionClosed SessionState = "QUESTION_CLOSED"
	StateCompleted      SessionState = "COMPLETED"
	StateAborted        SessionState = "ABORTED"
)

// Terminal reports whether the session can never transition again.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session is the authoritative lifecycle state of one live quiz.
// Mutated only by the node holding the session lease; every mutation
// increments Version.
type Session struct {
	ID            string       `json:"id"`
	QuizID        string       `json:"quizId"`
	QuestionIDs   []string     `json:"questionIds"`
	State         SessionState `json:"state"`
	QuestionIndex int          `json:"questionIndex"` // -1 before the first question opens
	Deadline      time.Time    `json:"deadline,omitempty"`
	OwnerNode     string       `json:"ownerNode"`
	Version       int64        `json:"version"`
	// Expected holds the participant IDs present when the current
	// question opened; early close fires once all of them answered.
	Expected    []string `json:"expected,omitempty"`
	AbortReason string   `json:"abortReason,omitempty"`
}

// CurrentQuestionID returns the open question, or "" if none is open.
func (s Session) CurrentQuestionID() string {
	if s.State != StateQuestionActive {
		return ""
	}
	if s.QuestionIndex < 0 || s.QuestionIndex >= len(s.QuestionIDs) {
		return ""
	}
	return s.QuestionIDs[s.QuestionIndex]
}

// Participant tracks one player inside a session.
type Participant struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	LastUpdated time.Time `json:"lastUpdated"`
	// Answered maps question ID to the submission sequence number that
	// was accepted for it. At most one entry per question.
	Answered map[string]int64 `json:"answered"`
}

// Submission is one accepted answer. Immutable once accepted.
type Submission struct {
	ParticipantID string    `json:"participantId"`
	QuestionID    string    `json:"questionId"`
	OptionID      string    `json:"optionId"`
	ClientTime    time.Time `json:"clientTime"`
	AcceptedAt    time.Time `json:"acceptedAt"`
	Seq           int64     `json:"seq"`
}

// SessionRecord is the durable unit the registry persists: the machine
// state plus everything needed to resume on another node.
type SessionRecord struct {
	Session      Session                `json:"session"`
	Participants map[string]Participant `json:"participants"`
	NextSubSeq   int64                  `json:"nextSubSeq"`
}

// ScoreEntry is a snapshot-friendly view of a participant.
type ScoreEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
}

// Snapshot is the catch-up message sent to a (re)connecting participant.
// It carries enough to resynchronize without replaying missed events.
type Snapshot struct {
	SessionID     string       `json:"sessionId"`
	State         SessionState `json:"state"`
	QuestionIndex int          `json:"questionIndex"`
	QuestionID    string       `json:"questionId,omitempty"`
	Deadline      time.Time    `json:"deadline,omitempty"`
	Scoreboard    []ScoreEntry `json:"scoreboard"`
	LastSeq       int64        `json:"lastSeq"`
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
	Points  int      `json:"points"` // defaults to 1 if zero
}

// Quiz is the content collaborator's view: an ordered question list.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// AnswerKey is the immutable content snapshot taken at session start:
// question order plus the correct option and point value per question.
type AnswerKey struct {
	QuestionIDs []string          `json:"questionIds"`
	Correct     map[string]string `json:"correct"`
	Points      map[string]int    `json:"points"`
}

// Key derives the answer key snapshot from quiz content.
func (q Quiz) Key() AnswerKey {
	key := AnswerKey{
		QuestionIDs: make([]string, 0, len(q.Questions)),
		Correct:     make(map[string]string, len(q.Questions)),
		Points:      make(map[string]int, len(q.Questions)),
	}
	for _, question := range q.Questions {
		key.QuestionIDs = append(key.QuestionIDs, question.ID)
		points := question.Points
		if points == 0 {
			points = 1
		}
		key.Points[question.ID] = points
		for _, opt := range question.Options {
			if opt.Correct {
				key.Correct[question.ID] = opt.ID
				break
			}
		}
	}
	return key
}

// Lease is a time-bounded exclusive right to mutate one session.
type Lease struct {
	SessionID string
	Owner     string
	ExpiresAt time.Time
}
