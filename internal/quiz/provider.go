// Package quiz provides quiz definitions to the engine. Definitions are owned
// by the external authoring layer; the engine only reads and caches them.
package quiz

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

// Loader fetches a quiz from its backing store.
type Loader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

type Config struct {
	Loader Loader
	// TTL of a cached definition. Zero disables caching.
	TTL time.Duration
}

// Provider caches quizzes with a jittered TTL. Concurrent misses for the same
// quiz collapse into one load.
type Provider struct {
	loader Loader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewProvider(c Config) *Provider {
	return &Provider{
		loader: c.Loader,
		ttl:    c.TTL,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuiz),
	}
}

func (p *Provider) Get(ctx context.Context, quizID string) (domain.Quiz, error) {
	if q, ok := p.cached(quizID); ok {
		return q, nil
	}

	result, err, _ := p.sf.Do(quizID, func() (any, error) {
		if q, ok := p.cached(quizID); ok {
			return q, nil
		}

		q, err := p.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		if err := Validate(q); err != nil {
			return domain.Quiz{}, err
		}

		if ttl := p.ttlWithJitter(); ttl > 0 {
			p.mu.Lock()
			p.cache[quizID] = cachedQuiz{quiz: q, expiresAt: p.clock().Add(ttl)}
			p.mu.Unlock()
		}
		return q, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// Invalidate drops a cached definition so the next Get reloads it.
func (p *Provider) Invalidate(quizID string) {
	p.mu.Lock()
	delete(p.cache, quizID)
	p.mu.Unlock()
}

func (p *Provider) cached(quizID string) (domain.Quiz, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.cache[quizID]
	if !ok || !entry.expiresAt.After(p.clock()) {
		return domain.Quiz{}, false
	}
	return entry.quiz, true
}

func (p *Provider) ttlWithJitter() time.Duration {
	if p.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(p.ttl) / 10

	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return p.ttl + time.Duration(p.rnd.Int63n(jitterMax+1))
}

// Validate checks the shape the engine relies on: at least one question,
// unique question ids, and exactly one correct option per question.
func Validate(q domain.Quiz) error {
	if len(q.Questions) == 0 {
		return errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("quiz %s has no questions", q.ID))
	}

	seen := make(map[string]bool, len(q.Questions))
	for _, question := range q.Questions {
		if question.ID == "" || seen[question.ID] {
			return errors.Reasoned(errors.ReasonInvalidArgument,
				errors.WithMessagef("quiz %s has a missing or repeated question id %q", q.ID, question.ID))
		}
		seen[question.ID] = true

		correct := 0
		for _, o := range question.Options {
			if o.Correct {
				correct++
			}
		}
		if correct != 1 {
			return errors.Reasoned(errors.ReasonInvalidArgument,
				errors.WithMessagef("question %s of quiz %s must have exactly one correct option, has %d", question.ID, q.ID, correct))
		}
	}
	return nil
}

// StaticLoader serves quizzes from memory. Useful for tests and demos.
type StaticLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticLoader(quizzes ...domain.Quiz) *StaticLoader {
	l := &StaticLoader{quizzes: make(map[string]domain.Quiz, len(quizzes))}
	for _, q := range quizzes {
		l.quizzes[q.ID] = q
	}
	return l
}

func (l *StaticLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if q, ok := l.quizzes[quizID]; ok {
		return q, nil
	}
	return domain.Quiz{}, errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("quiz %s not found", quizID))
}
