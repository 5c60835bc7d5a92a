// internal/game/question.go
package game

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jason-s-yu/guess/internal/models"
)

// QuestionBank is the read side of the question store. IDs run from 1 to Count.
type QuestionBank interface {
	Count(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id int) (*models.Question, error)
}

// DrawPolicy bounds how long a draw keeps retrying a bank that is missing
// records or failing.
type DrawPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Timeout   time.Duration // overall budget for one draw
}

// DefaultDrawPolicy retries five times, backing off from 50ms to 1s.
func DefaultDrawPolicy() DrawPolicy {
	return DrawPolicy{Attempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Timeout: 5 * time.Second}
}

// DrawQuestion picks a question uniformly at random, never returning the one
// with ID exclude. Lookups that miss or fail are retried with exponential
// backoff; when the attempts run out the result wraps ErrNoQuestion.
func DrawQuestion(ctx context.Context, bank QuestionBank, exclude int, p DrawPolicy) (*models.Question, error) {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrNoQuestion, ctx.Err())
			case <-time.After(delay):
			}
			delay = min(delay*2, p.MaxDelay)
		}

		n, err := bank.Count(ctx)
		if err != nil {
			lastErr = fmt.Errorf("count: %w", err)
			continue
		}
		id, ok := pickID(n, exclude, rand.IntN)
		if !ok {
			return nil, fmt.Errorf("%w: bank holds %d question(s)", ErrNoQuestion, n)
		}
		q, err := bank.GetByID(ctx, id)
		if err != nil {
			lastErr = fmt.Errorf("get %d: %w", id, err)
			continue
		}
		if q.ID == exclude {
			lastErr = fmt.Errorf("bank returned excluded question %d", exclude)
			continue
		}
		return q, nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrNoQuestion, attempts, lastErr)
}

// pickID draws uniformly from [1, n] without exclude, using one call to intn.
func pickID(n, exclude int, intn func(int) int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	if exclude < 1 || exclude > n {
		return intn(n) + 1, true
	}
	if n == 1 {
		return 0, false
	}
	id := intn(n-1) + 1
	if id >= exclude {
		id++
	}
	return id, true
}
