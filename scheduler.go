package offlineworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler keeps background work alive until it completes,
// independent of the request that started it.
type Scheduler interface {
	// WaitUntil schedules task and returns immediately.
	// The task receives a context that is not tied to any request.
	WaitUntil(name string, task func(ctx context.Context) error)
}

// BackgroundScheduler runs tasks on goroutines, at most `concurrency` at a time.
// Tasks are queued rather than dropped when the limit is reached.
type BackgroundScheduler struct {
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func NewBackgroundScheduler(concurrency int, timeout time.Duration, logger zerolog.Logger) *BackgroundScheduler {
	if concurrency <= 0 {
		concurrency = 32
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BackgroundScheduler{
		sem:     make(chan struct{}, concurrency),
		timeout: timeout,
		log:     logger,
	}
}

func (s *BackgroundScheduler) WaitUntil(name string, task func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.run(ctx, task); err != nil {
			s.log.Warn().Err(err).Str("task", name).Msg("Background task failed")
			return
		}
		s.log.Trace().Str("task", name).Msg("Background task done")
	}()
}

func (s *BackgroundScheduler) run(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}

// Wait blocks until every scheduled task has finished.
func (s *BackgroundScheduler) Wait() {
	s.wg.Wait()
}
