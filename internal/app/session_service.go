package app

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quiz-session-service/internal/domain"
)

// SessionConfig tunes the lifecycle timers and intake limits.
type SessionConfig struct {
	QuestionDuration time.Duration // answer window per question
	GradingWindow    time.Duration // pause between close and next open
	LeaseTTL         time.Duration
	RenewInterval    time.Duration
	SubmissionRate   rate.Limit // tokens per second per participant
	SubmissionBurst  int
	EarlyClose       bool
	ArchiveGrace     time.Duration // record retention after terminal state
}

// DefaultSessionConfig mirrors the values the service ships with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QuestionDuration: 30 * time.Second,
		GradingWindow:    3 * time.Second,
		LeaseTTL:         15 * time.Second,
		RenewInterval:    5 * time.Second,
		SubmissionRate:   1,
		SubmissionBurst:  1,
		EarlyClose:       true,
		ArchiveGrace:     time.Minute,
	}
}

// SessionService coordinates the live lifecycle of quiz sessions this
// node owns: ownership via registry leases, transitions through the
// state machine, fan-out through the broadcaster, durable events
// through the publisher. The state machine runs under the exclusivity
// of the lease, never a cross-process lock; losing the lease drops the
// session locally and another node adopts it from the last saved
// record.
type SessionService struct {
	registry    SessionRegistry
	quizzes     QuizRepository
	broadcaster *Broadcaster
	publisher   *Publisher
	nodeID      string
	cfg         SessionConfig
	now         func() time.Time

	mu      sync.Mutex
	owned   map[string]*ownedSession
	pending map[string]struct{} // sessions mid-acquisition on this node
}

type ownedSession struct {
	// opMu is the single-writer path per session: it spans mutate,
	// persist, and emit so event order on the wire matches version
	// order. Different sessions proceed fully in parallel.
	opMu         sync.Mutex
	runtime      *sessionRuntime
	lease        domain.Lease
	savedVersion int64
	cancelRenew  context.CancelFunc

	timerMu       sync.Mutex
	deadlineTimer *time.Timer
	advanceTimer  *time.Timer
}

type ServiceOption func(*SessionService)

// WithServiceClock is test-only for deterministic timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *SessionService) { s.now = now }
}

func NewSessionService(registry SessionRegistry, quizzes QuizRepository, broadcaster *Broadcaster, publisher *Publisher, nodeID string, cfg SessionConfig, opts ...ServiceOption) *SessionService {
	s := &SessionService{
		registry:    registry,
		quizzes:     quizzes,
		broadcaster: broadcaster,
		publisher:   publisher,
		nodeID:      nodeID,
		cfg:         cfg,
		now:         time.Now,
		owned:       make(map[string]*ownedSession),
		pending:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a session for a quiz, acquires its lease, and moves it
// into the lobby. The quiz content (question order and answer key) is
// snapshotted here and never re-read during the session.
func (s *SessionService) Start(ctx context.Context, sessionID, quizID string) (domain.Snapshot, error) {
	// A duplicate or concurrent start must not touch the live
	// session's lease: the registry hands the same lease back to this
	// node, so a losing starter releasing it would free it out from
	// under the winner. The reservation makes check and acquire atomic
	// on this node.
	if err := s.reserve(sessionID); err != nil {
		return domain.Snapshot{}, err
	}
	defer s.unreserve(sessionID)

	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	key := quiz.Key()

	lease, err := s.registry.Acquire(ctx, sessionID, s.nodeID)
	if err != nil {
		return domain.Snapshot{}, err
	}

	session := domain.Session{
		ID:            sessionID,
		QuizID:        quizID,
		QuestionIDs:   key.QuestionIDs,
		State:         domain.StatePending,
		QuestionIndex: -1,
		OwnerNode:     s.nodeID,
	}
	started, ev, err := StartSession(session, s.now())
	if err != nil {
		_ = s.registry.Release(ctx, lease)
		return domain.Snapshot{}, err
	}

	rec := domain.SessionRecord{Session: started, NextSubSeq: 1}
	if err := s.registry.SaveRecord(ctx, rec, -1); err != nil {
		_ = s.registry.Release(ctx, lease)
		return domain.Snapshot{}, err
	}

	owned := &ownedSession{
		runtime:      newSessionRuntime(rec, key, s.cfg.SubmissionRate, s.cfg.SubmissionBurst, s.cfg.EarlyClose, s.now),
		lease:        lease,
		savedVersion: started.Version,
	}
	owned.opMu.Lock()
	s.mu.Lock()
	s.owned[sessionID] = owned
	s.mu.Unlock()
	s.startRenewLoop(owned, sessionID)
	s.emit(ctx, ev)
	owned.opMu.Unlock()

	return owned.runtime.snapshot(), nil
}

// Join registers a participant with a session this node owns and
// returns the catch-up snapshot the connection starts from.
func (s *SessionService) Join(ctx context.Context, sessionID, participantID, displayName string) (domain.Snapshot, error) {
	owned, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	snap := owned.runtime.join(participantID, displayName)
	if err := s.persist(ctx, sessionID, owned, owned.runtime.record()); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// OpenNext opens the next question window, or completes the session
// when all questions were asked. The expected participant set for
// early close is fixed here.
func (s *SessionService) OpenNext(ctx context.Context, sessionID string) error {
	owned, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return err
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	expected := owned.runtime.participantIDs()
	now := s.now()
	staged, ev, err := owned.runtime.stage(func(session domain.Session) (domain.Session, domain.DomainEvent, error) {
		return OpenNextQuestion(session, expected, s.cfg.QuestionDuration, now)
	})
	if err != nil {
		return err
	}
	if err := s.persist(ctx, sessionID, owned, staged); err != nil {
		return err
	}
	s.emit(ctx, ev)

	switch staged.Session.State {
	case domain.StateQuestionActive:
		s.scheduleDeadline(sessionID, owned, staged.Session.QuestionIndex, staged.Session.Deadline)
	case domain.StateCompleted:
		s.teardown(ctx, sessionID, owned)
	}
	return nil
}

// Submit admits one participant answer. On acceptance the submission
// gets the next acceptance-order sequence number; if it was the last
// expected answer and early close is enabled, the question closes as a
// side effect.
func (s *SessionService) Submit(ctx context.Context, sessionID, participantID, questionID, optionID string, clientTime time.Time) (domain.Submission, bool, int, error) {
	owned, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return domain.Submission{}, false, 0, err
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	res, err := owned.runtime.submit(participantID, questionID, optionID, clientTime)
	if err != nil {
		return domain.Submission{}, false, 0, err
	}
	if err := s.persist(ctx, sessionID, owned, res.staged); err != nil {
		return domain.Submission{}, false, 0, err
	}
	for _, ev := range res.events {
		s.emit(ctx, ev)
	}
	if res.closed {
		owned.stopDeadline()
		s.scheduleAdvance(sessionID, owned)
	}
	return res.submission, res.correct, res.awarded, nil
}

// Abort cancels the session from any non-terminal state, notifies all
// connections, and releases the lease so no node keeps renewing a dead
// session.
func (s *SessionService) Abort(ctx context.Context, sessionID, reason string) error {
	owned, err := s.ownedSession(ctx, sessionID)
	if err != nil {
		return err
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	now := s.now()
	staged, ev, err := owned.runtime.stage(func(session domain.Session) (domain.Session, domain.DomainEvent, error) {
		return AbortSession(session, reason, now)
	})
	if err != nil {
		return err
	}
	if err := s.persist(ctx, sessionID, owned, staged); err != nil {
		return err
	}
	s.emit(ctx, ev)
	s.teardown(ctx, sessionID, owned)
	return nil
}

// Snapshot returns the catch-up snapshot for a session, readable on
// any node: owned sessions answer from memory, others from the last
// durably saved record.
func (s *SessionService) Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	s.mu.Lock()
	owned, ok := s.owned[sessionID]
	s.mu.Unlock()
	if ok {
		return owned.runtime.snapshot(), nil
	}
	rec, err := s.registry.LoadRecord(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snapshotFromRecord(rec), nil
}

// Adopt takes over a session whose lease expired: it re-acquires
// ownership and resumes the state machine from the last durably saved
// record. Resume is idempotent by version, so no transition observed
// by a participant is replayed or skipped. While the previous owner's
// lease is still live, Adopt fails with ErrOwnershipConflict.
func (s *SessionService) Adopt(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	// Adopting a session this node already runs is a no-op; without
	// the short-circuit the re-acquire would stack a second runtime
	// and renew loop on the same lease.
	s.mu.Lock()
	if current, ok := s.owned[sessionID]; ok {
		s.mu.Unlock()
		return current.runtime.snapshot(), nil
	}
	s.mu.Unlock()
	if err := s.reserve(sessionID); err != nil {
		return domain.Snapshot{}, err
	}
	defer s.unreserve(sessionID)

	lease, err := s.registry.Acquire(ctx, sessionID, s.nodeID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rec, err := s.registry.LoadRecord(ctx, sessionID)
	if err != nil {
		_ = s.registry.Release(ctx, lease)
		return domain.Snapshot{}, err
	}

	quiz, err := s.quizzes.GetQuiz(ctx, rec.Session.QuizID)
	if err != nil {
		_ = s.registry.Release(ctx, lease)
		return domain.Snapshot{}, err
	}

	rec.Session.OwnerNode = s.nodeID
	owned := &ownedSession{
		runtime:      newSessionRuntime(rec, quiz.Key(), s.cfg.SubmissionRate, s.cfg.SubmissionBurst, s.cfg.EarlyClose, s.now),
		lease:        lease,
		savedVersion: rec.Session.Version,
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	s.mu.Lock()
	s.owned[sessionID] = owned
	s.mu.Unlock()
	s.startRenewLoop(owned, sessionID)

	// Resume timers where the previous owner left off.
	session := owned.runtime.session()
	switch session.State {
	case domain.StateQuestionActive:
		s.scheduleDeadline(sessionID, owned, session.QuestionIndex, session.Deadline)
	case domain.StateQuestionClosed, domain.StateLobby:
		// Waits for the grading window (or an explicit OpenNext).
		if session.State == domain.StateQuestionClosed {
			s.scheduleAdvance(sessionID, owned)
		}
	default:
		if session.State.Terminal() {
			s.teardown(ctx, sessionID, owned)
		}
	}
	return owned.runtime.snapshot(), nil
}

// Owns reports whether this node currently holds the session.
func (s *SessionService) Owns(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.owned[sessionID]
	return ok
}

func (s *SessionService) ownedSession(ctx context.Context, sessionID string) (*ownedSession, error) {
	s.mu.Lock()
	owned, ok := s.owned[sessionID]
	s.mu.Unlock()
	if ok {
		return owned, nil
	}
	if _, err := s.registry.LoadRecord(ctx, sessionID); errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	return nil, domain.ErrOwnershipConflict
}

// reserve claims exclusive rights to take ownership of a session on
// this node. It fails while the session is already owned here or
// another goroutine is mid-acquisition.
func (s *SessionService) reserve(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned[sessionID]; ok {
		return domain.ErrOwnershipConflict
	}
	if _, ok := s.pending[sessionID]; ok {
		return domain.ErrOwnershipConflict
	}
	s.pending[sessionID] = struct{}{}
	return nil
}

func (s *SessionService) unreserve(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}

// persist saves a staged record with a version CAS and commits it to
// the runtime only once the save landed, so a transient store failure
// leaves the in-memory state at the last durable version and the
// caller can retry. A CAS miss means another node adopted the session
// behind our back, so ownership is dropped locally instead of fighting
// over the record.
func (s *SessionService) persist(ctx context.Context, sessionID string, owned *ownedSession, staged domain.SessionRecord) error {
	if err := s.registry.SaveRecord(ctx, staged, owned.savedVersion); err != nil {
		if errors.Is(err, domain.ErrOwnershipConflict) {
			log.Printf("session %s record moved on, dropping local ownership", sessionID)
			s.dropOwnership(sessionID, owned)
		}
		return err
	}
	owned.savedVersion = staged.Session.Version
	owned.runtime.commit(staged)
	return nil
}

func (s *SessionService) emit(ctx context.Context, ev domain.DomainEvent) {
	s.broadcaster.Publish(ctx, ev)
	s.publisher.Publish(ev)
}

func (s *SessionService) scheduleDeadline(sessionID string, owned *ownedSession, questionIndex int, deadline time.Time) {
	owned.timerMu.Lock()
	defer owned.timerMu.Unlock()
	if owned.deadlineTimer != nil {
		owned.deadlineTimer.Stop()
	}
	owned.deadlineTimer = time.AfterFunc(time.Until(deadline), func() {
		s.closeOnDeadline(sessionID, questionIndex)
	})
}

func (s *SessionService) closeOnDeadline(sessionID string, questionIndex int) {
	ctx := context.Background()
	s.mu.Lock()
	owned, ok := s.owned[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	owned.opMu.Lock()
	defer owned.opMu.Unlock()
	now := s.now()
	staged, ev, err := owned.runtime.stage(func(session domain.Session) (domain.Session, domain.DomainEvent, error) {
		// The window may already be closed early, or a later question
		// may be open by the time a stale timer fires.
		if session.QuestionIndex != questionIndex {
			return session, domain.DomainEvent{}, domain.ErrInvalidTransition
		}
		return CloseQuestion(session, false, now)
	})
	if err != nil {
		return
	}
	if err := s.persist(ctx, sessionID, owned, staged); err != nil {
		// The runtime was not committed, so the close can run again
		// once the store recovers. A CAS miss already dropped
		// ownership and must not be retried.
		if !errors.Is(err, domain.ErrOwnershipConflict) {
			log.Printf("deadline close failed for session %s, retrying: %v", sessionID, err)
			owned.timerMu.Lock()
			owned.deadlineTimer = time.AfterFunc(time.Second, func() {
				s.closeOnDeadline(sessionID, questionIndex)
			})
			owned.timerMu.Unlock()
		}
		return
	}
	s.emit(ctx, ev)
	s.scheduleAdvance(sessionID, owned)
}

func (s *SessionService) scheduleAdvance(sessionID string, owned *ownedSession) {
	owned.timerMu.Lock()
	defer owned.timerMu.Unlock()
	if owned.advanceTimer != nil {
		owned.advanceTimer.Stop()
	}
	owned.advanceTimer = time.AfterFunc(s.cfg.GradingWindow, func() {
		err := s.OpenNext(context.Background(), sessionID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidTransition):
			// Someone advanced the session manually in the meantime.
		case errors.Is(err, domain.ErrOwnershipConflict), errors.Is(err, domain.ErrSessionNotFound):
			// Ownership moved on; the new owner resumes the timers.
		default:
			// Transient store failure left the session untouched, so
			// the advance can simply run again.
			log.Printf("auto-advance failed for session %s, retrying: %v", sessionID, err)
			s.scheduleAdvance(sessionID, owned)
		}
	})
}

func (s *SessionService) startRenewLoop(owned *ownedSession, sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	owned.cancelRenew = cancel
	go func() {
		ticker := time.NewTicker(s.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				lease, err := s.registry.Renew(ctx, owned.lease)
				if err != nil {
					// Renewal failure is an ownership loss, not a
					// process failure; the session is now eligible
					// for takeover by another node.
					log.Printf("lease renewal failed for session %s: %v", sessionID, err)
					s.dropOwnership(sessionID, owned)
					return
				}
				owned.lease = lease
			}
		}
	}()
}

// dropOwnership forgets the session locally without touching the
// shared record; the next owner resumes from it.
func (s *SessionService) dropOwnership(sessionID string, owned *ownedSession) {
	s.mu.Lock()
	if s.owned[sessionID] == owned {
		delete(s.owned, sessionID)
	}
	s.mu.Unlock()
	owned.stopTimers()
	if owned.cancelRenew != nil {
		owned.cancelRenew()
	}
}

// teardown ends local stewardship of a terminal session: lease is
// released immediately, the record is archived after the grace window
// for late event delivery.
func (s *SessionService) teardown(ctx context.Context, sessionID string, owned *ownedSession) {
	s.mu.Lock()
	if s.owned[sessionID] == owned {
		delete(s.owned, sessionID)
	}
	s.mu.Unlock()
	owned.stopTimers()
	if owned.cancelRenew != nil {
		owned.cancelRenew()
	}
	if err := s.registry.Release(ctx, owned.lease); err != nil {
		log.Printf("lease release failed for session %s: %v", sessionID, err)
	}
	time.AfterFunc(s.cfg.ArchiveGrace, func() {
		if err := s.registry.DeleteRecord(context.Background(), sessionID); err != nil {
			log.Printf("archive failed for session %s: %v", sessionID, err)
		}
	})
}

func (o *ownedSession) stopDeadline() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.deadlineTimer != nil {
		o.deadlineTimer.Stop()
	}
}

func (o *ownedSession) stopTimers() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.deadlineTimer != nil {
		o.deadlineTimer.Stop()
	}
	if o.advanceTimer != nil {
		o.advanceTimer.Stop()
	}
}

func snapshotFromRecord(rec domain.SessionRecord) domain.Snapshot {
	entries := make([]domain.ScoreEntry, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		entries = append(entries, domain.ScoreEntry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})
	return domain.Snapshot{
		SessionID:     rec.Session.ID,
		State:         rec.Session.State,
		QuestionIndex: rec.Session.QuestionIndex,
		QuestionID:    rec.Session.CurrentQuestionID(),
		Deadline:      rec.Session.Deadline,
		Scoreboard:    entries,
		LastSeq:       rec.Session.Version,
	}
}
