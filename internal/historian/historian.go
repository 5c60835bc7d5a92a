// internal/historian/historian.go drains round actions queued in Redis and
// persists them in batches, closing rounds that stop producing actions.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/guess/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Popper is the blocking pop of the Redis client.
type Popper interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Sink stores what the historian reads.
type Sink interface {
	InsertRoundActions(ctx context.Context, batch []models.RoundAction) error
	MarkRoundAbandoned(ctx context.Context, roundID uuid.UUID) error
}

type Config struct {
	Queue         string
	BatchSize     int
	FlushInterval time.Duration
	PopTimeout    time.Duration
	Inactivity    time.Duration // a round idle this long is abandoned
	SweepInterval time.Duration
	RetryDelay    time.Duration // pause after a Redis error
}

func DefaultConfig() Config {
	return Config{
		Queue:         "guess_round_actions",
		BatchSize:     20,
		FlushInterval: 500 * time.Millisecond,
		PopTimeout:    3 * time.Second,
		Inactivity:    10 * time.Minute,
		SweepInterval: time.Minute,
		RetryDelay:    time.Second,
	}
}

// Service is the historian worker.
type Service struct {
	src  Popper
	sink Sink
	cfg  Config
	log  *logrus.Entry

	batchMu sync.Mutex
	batch   []models.RoundAction

	activityMu   sync.Mutex
	lastActivity map[uuid.UUID]time.Time

	now func() time.Time
}

func New(src Popper, sink Sink, cfg Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Service{
		src:          src,
		sink:         sink,
		cfg:          cfg,
		log:          logger.WithField("component", "historian"),
		batch:        make([]models.RoundAction, 0, cfg.BatchSize),
		lastActivity: make(map[uuid.UUID]time.Time),
		now:          time.Now,
	}
}

// Run reads, flushes and sweeps until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithField("queue", s.cfg.Queue).Info("historian started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	g.Go(func() error { return s.inactivityLoop(gctx) })
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(flushCtx)
	s.log.Info("historian stopped")
	return err
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.src.BLPop(ctx, s.cfg.PopTimeout, s.cfg.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Error("BLPop failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryDelay):
			}
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		s.handle(ctx, res[1])
	}
}

func (s *Service) handle(ctx context.Context, payload string) {
	var rec models.RoundAction
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		s.log.WithError(err).Warn("invalid round action record")
		return
	}

	s.activityMu.Lock()
	switch rec.ActionType {
	case models.ActionRoundEnd, models.ActionGameFinished:
		delete(s.lastActivity, rec.RoundID)
	default:
		s.lastActivity[rec.RoundID] = s.now()
	}
	s.activityMu.Unlock()

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()
	if full {
		s.flush(ctx)
	}
}

func (s *Service) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush writes the pending batch. A failed batch is put back in front of
// newer records and retried on the next flush.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if len(s.batch) == 0 {
		return
	}
	pending := make([]models.RoundAction, len(s.batch))
	copy(pending, s.batch)

	if err := s.sink.InsertRoundActions(ctx, pending); err != nil {
		s.log.WithError(err).WithField("count", len(pending)).Error("flush failed")
		return
	}
	s.batch = s.batch[:0]
	s.log.WithField("count", len(pending)).Debug("flushed round actions")
}

func (s *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep abandons rounds idle longer than the inactivity threshold.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	var stale []uuid.UUID

	s.activityMu.Lock()
	for id, last := range s.lastActivity {
		if now.Sub(last) > s.cfg.Inactivity {
			stale = append(stale, id)
			delete(s.lastActivity, id)
		}
	}
	s.activityMu.Unlock()

	if len(stale) == 0 {
		return
	}
	// The round rows must exist before they can be closed.
	s.flush(ctx)
	for _, id := range stale {
		if err := s.sink.MarkRoundAbandoned(ctx, id); err != nil {
			s.log.WithError(err).WithField("round", id).Error("failed to mark round abandoned")
			continue
		}
		s.log.WithField("round", id).Info("round abandoned after inactivity")
	}
}
