package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-session-service/internal/domain"
)

// QuizLoader fetches quiz content from the content collaborator's
// backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository serves quiz content for single-node runs from an
// in-process cache. Every read hands out an independent copy of the
// content snapshot, matching the redis repository's isolation: a
// session that mutates the quiz it was handed can never bleed into
// another session's question order or answer key. Entries expire on a
// jittered TTL and are purged on the read that finds them stale;
// concurrent cold reads for the same quiz collapse into one load.
type QuizRepository struct {
	loader QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	rnd     *rand.Rand
	entries map[string]contentEntry
}

type contentEntry struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return NewQuizRepositoryWithClock(loader, ttl, time.Now)
}

// NewQuizRepositoryWithClock is test-only for deterministic expiry.
func NewQuizRepositoryWithClock(loader QuizLoader, ttl time.Duration, clock func() time.Time) *QuizRepository {
	return &QuizRepository{
		loader:  loader,
		ttl:     ttl,
		clock:   clock,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]contentEntry),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.lookup(quizID); ok {
		return quiz, nil
	}
	result, err, _ := r.group.Do(quizID, func() (interface{}, error) {
		// A flight that queued behind the loading one finds the entry
		// fresh and skips the loader.
		if quiz, ok := r.lookup(quizID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		r.store(quizID, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	// Waiters that shared the flight each get their own copy.
	return cloneQuiz(result.(domain.Quiz)), nil
}

// lookup returns a copy of a live entry and purges a stale one.
func (r *QuizRepository) lookup(quizID string) (domain.Quiz, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[quizID]
	if !ok {
		return domain.Quiz{}, false
	}
	if !entry.expiresAt.After(r.clock()) {
		delete(r.entries, quizID)
		return domain.Quiz{}, false
	}
	return cloneQuiz(entry.quiz), true
}

func (r *QuizRepository) store(quizID string, quiz domain.Quiz) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ttl := r.ttl
	if ttl > 0 {
		// Up to 10% jitter so a popular quiz's refreshes do not align.
		ttl += time.Duration(r.rnd.Float64() * 0.1 * float64(ttl))
	}
	r.entries[quizID] = contentEntry{quiz: cloneQuiz(quiz), expiresAt: r.clock().Add(ttl)}
}

// cloneQuiz deep-copies the question and option slices so cached
// content stays immutable no matter what callers do with their copy.
func cloneQuiz(q domain.Quiz) domain.Quiz {
	out := q
	out.Questions = make([]domain.Question, len(q.Questions))
	for i, question := range q.Questions {
		question.Options = append([]domain.Option(nil), question.Options...)
		out.Questions[i] = question
	}
	return out
}

// StaticQuizLoader serves quizzes from a fixed map, for tests and the
// demo configuration.
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	quiz, ok := l.quizzes[quizID]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}
