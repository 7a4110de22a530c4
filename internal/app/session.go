package app

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quiz-session-service/internal/domain"
)

// sessionRuntime is the owning node's in-memory state for one session.
// All submissions for the session are admitted one at a time through
// its mutex, which is what assigns acceptance-order sequence numbers;
// different sessions proceed fully in parallel.
type sessionRuntime struct {
	mu  sync.Mutex
	rec domain.SessionRecord
	key domain.AnswerKey

	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	earlyClose bool
	now        func() time.Time
}

func newSessionRuntime(rec domain.SessionRecord, key domain.AnswerKey, limit rate.Limit, burst int, earlyClose bool, now func() time.Time) *sessionRuntime {
	if rec.Participants == nil {
		rec.Participants = make(map[string]domain.Participant)
	}
	if rec.NextSubSeq == 0 {
		rec.NextSubSeq = 1
	}
	return &sessionRuntime{
		rec:        rec,
		key:        key,
		limiters:   make(map[string]*rate.Limiter),
		limit:      limit,
		burst:      burst,
		earlyClose: earlyClose,
		now:        now,
	}
}

// join registers or refreshes a participant. Joining does not advance
// the session version: only lifecycle transitions and accepted
// submissions do, so the event feed stays gap-free.
func (r *sessionRuntime) join(participantID, displayName string) domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if p, ok := r.rec.Participants[participantID]; ok {
		p.DisplayName = displayName
		p.LastUpdated = now
		r.rec.Participants[participantID] = p
	} else {
		r.rec.Participants[participantID] = domain.Participant{
			ID:          participantID,
			SessionID:   r.rec.Session.ID,
			DisplayName: displayName,
			LastUpdated: now,
			Answered:    make(map[string]int64),
		}
	}
	return r.snapshotLocked()
}

type submitResult struct {
	staged     domain.SessionRecord // committed only after a durable save
	submission domain.Submission
	correct    bool
	awarded    int
	events     []domain.DomainEvent
	closed     bool // early close fired as a side effect
}

// submit admits one answer into the open question window. Rejection
// order: rate limit, then window match, then duplicate check. The rate
// check runs first and a rejected submission still spends a token, so
// a scripted burst cannot feel out question state for free.
//
// All mutations land on a staged copy of the record; the runtime itself
// is untouched until the caller persists the copy and commits it, so a
// failed save leaves no trace and the client can simply retry.
func (r *sessionRuntime) submit(participantID, questionID, optionID string, clientTime time.Time) (submitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.limiters[participantID]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[participantID] = limiter
	}
	if !limiter.AllowN(r.now(), 1) {
		return submitResult{}, domain.ErrRateLimited
	}

	session := r.rec.Session
	if session.State != domain.StateQuestionActive || session.CurrentQuestionID() != questionID {
		return submitResult{}, domain.ErrSessionNotActive
	}

	participant, ok := r.rec.Participants[participantID]
	if !ok {
		return submitResult{}, domain.ErrParticipantNotFound
	}
	if _, dup := participant.Answered[questionID]; dup {
		return submitResult{}, domain.ErrDuplicateSubmission
	}

	staged := cloneRecord(r.rec)
	now := r.now()
	sub := domain.Submission{
		ParticipantID: participantID,
		QuestionID:    questionID,
		OptionID:      optionID,
		ClientTime:    clientTime,
		AcceptedAt:    now,
		Seq:           staged.NextSubSeq,
	}
	staged.NextSubSeq++

	correct := r.key.Correct[questionID] == optionID && optionID != ""
	awarded := 0
	p := staged.Participants[participantID]
	if correct {
		awarded = r.key.Points[questionID]
		p.Score += awarded
	}
	p.Answered[questionID] = sub.Seq
	p.LastUpdated = now
	staged.Participants[participantID] = p

	staged.Session.Version++
	res := submitResult{
		submission: sub,
		correct:    correct,
		awarded:    awarded,
		events: []domain.DomainEvent{{
			SessionID: session.ID,
			Seq:       staged.Session.Version,
			Kind:      domain.EventSubmissionAccepted,
			Payload: domain.SubmissionAcceptedPayload{
				ParticipantID: participantID,
				QuestionID:    questionID,
				Seq:           sub.Seq,
				Correct:       correct,
				Awarded:       awarded,
			},
			Timestamp: now,
		}},
	}

	if r.earlyClose && allExpectedAnswered(staged, questionID) {
		next, ev, err := CloseQuestion(staged.Session, true, now)
		if err == nil {
			staged.Session = next
			res.events = append(res.events, ev)
			res.closed = true
		}
	}
	res.staged = staged
	return res, nil
}

// allExpectedAnswered checks the early-close trigger against the
// participant set fixed at question-open time; mid-question joiners do
// not extend the expected set.
func allExpectedAnswered(rec domain.SessionRecord, questionID string) bool {
	if len(rec.Session.Expected) == 0 {
		return false
	}
	for _, id := range rec.Session.Expected {
		p, ok := rec.Participants[id]
		if !ok {
			continue
		}
		if _, answered := p.Answered[questionID]; !answered {
			return false
		}
	}
	return true
}

// stage runs a lifecycle transition against a copy of the record. The
// runtime does not change until the caller saves the staged record and
// commits it, so a transient save failure is retryable: the in-memory
// state still matches the last durable version.
func (r *sessionRuntime) stage(fn func(domain.Session) (domain.Session, domain.DomainEvent, error)) (domain.SessionRecord, domain.DomainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ev, err := fn(r.rec.Session)
	if err != nil {
		return domain.SessionRecord{}, domain.DomainEvent{}, err
	}
	staged := cloneRecord(r.rec)
	staged.Session = next
	return staged, ev, nil
}

// commit installs a staged record after it was durably saved.
func (r *sessionRuntime) commit(staged domain.SessionRecord) {
	r.mu.Lock()
	r.rec = staged
	r.mu.Unlock()
}

// participantIDs returns the current participant set, used to fix the
// expected set when a question opens.
func (r *sessionRuntime) participantIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rec.Participants))
	for id := range r.rec.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *sessionRuntime) record() domain.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRecord(r.rec)
}

func (r *sessionRuntime) session() domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Session
}

func (r *sessionRuntime) snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *sessionRuntime) snapshotLocked() domain.Snapshot {
	session := r.rec.Session
	entries := make([]domain.ScoreEntry, 0, len(r.rec.Participants))
	for _, p := range r.rec.Participants {
		entries = append(entries, domain.ScoreEntry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
		})
	}
	// Score desc, then who reached it earlier, then name.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		pi := r.rec.Participants[entries[i].ParticipantID]
		pj := r.rec.Participants[entries[j].ParticipantID]
		if !pi.LastUpdated.Equal(pj.LastUpdated) {
			return pi.LastUpdated.Before(pj.LastUpdated)
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})

	return domain.Snapshot{
		SessionID:     session.ID,
		State:         session.State,
		QuestionIndex: session.QuestionIndex,
		QuestionID:    session.CurrentQuestionID(),
		Deadline:      session.Deadline,
		Scoreboard:    entries,
		LastSeq:       session.Version,
	}
}

func cloneRecord(rec domain.SessionRecord) domain.SessionRecord {
	out := rec
	out.Session.QuestionIDs = append([]string(nil), rec.Session.QuestionIDs...)
	out.Session.Expected = append([]string(nil), rec.Session.Expected...)
	out.Participants = make(map[string]domain.Participant, len(rec.Participants))
	for id, p := range rec.Participants {
		answered := make(map[string]int64, len(p.Answered))
		for q, seq := range p.Answered {
			answered[q] = seq
		}
		p.Answered = answered
		out.Participants[id] = p
	}
	return out
}
