// Package historian drains finished matches from the results queue and
// persists them in batches.
package historian

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/blockfall/internal/cache"
	"github.com/jason-s-yu/blockfall/internal/models"
	"github.com/sirupsen/logrus"
)

// Source yields queued results. Pop returns cache.ErrEmpty when nothing
// arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (models.MatchResult, error)
}

// Writer persists a batch atomically.
type Writer interface {
	InsertMatchResults(ctx context.Context, results []models.MatchResult) error
}

// Options tunes batching.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// PopTimeout bounds each blocking pop so shutdown and timed flushes are noticed.
	PopTimeout time.Duration
}

// Service is the historian loop.
type Service struct {
	src    Source
	dst    Writer
	logger *logrus.Logger
	opts   Options

	batch     []models.MatchResult
	lastFlush time.Time
}

func New(src Source, dst Writer, logger *logrus.Logger, opts Options) *Service {
	if opts.BatchSize < 1 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 3 * time.Second
	}
	return &Service{
		src:    src,
		dst:    dst,
		logger: logger,
		opts:   opts,
		batch:  make([]models.MatchResult, 0, opts.BatchSize),
	}
}

// Run consumes until ctx is cancelled, then flushes what it holds.
func (s *Service) Run(ctx context.Context) {
	s.lastFlush = time.Now()
	s.logger.Infof("historian started (batch %d, flush every %s).", s.opts.BatchSize, s.opts.FlushInterval)
	defer s.logger.Info("historian stopped.")

	for {
		if ctx.Err() != nil {
			s.finalFlush()
			return
		}

		popTimeout := min(s.opts.PopTimeout, s.opts.FlushInterval)
		res, err := s.src.Pop(ctx, popTimeout)
		switch {
		case err == nil:
			s.batch = append(s.batch, res)
		case errors.Is(err, cache.ErrEmpty):
		case ctx.Err() != nil:
			s.finalFlush()
			return
		default:
			s.logger.Warnf("historian: pop failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(popTimeout):
			}
		}

		if len(s.batch) >= s.opts.BatchSize || (len(s.batch) > 0 && time.Since(s.lastFlush) >= s.opts.FlushInterval) {
			s.flush(ctx)
		}
	}
}

// flush writes the pending batch. A failed batch is kept and retried on the
// next flush.
func (s *Service) flush(ctx context.Context) {
	s.lastFlush = time.Now()
	if len(s.batch) == 0 {
		return
	}
	if err := s.dst.InsertMatchResults(ctx, s.batch); err != nil {
		s.logger.Errorf("historian: flush of %d result(s) failed: %v", len(s.batch), err)
		return
	}
	s.logger.Infof("Flushed %d match result(s) to DB.", len(s.batch))
	s.batch = s.batch[:0]
}

func (s *Service) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx)
}

// Pending returns the number of results not yet written.
func (s *Service) Pending() int {
	return len(s.batch)
}
