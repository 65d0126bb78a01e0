package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/manash/tryon/internal/provider"
	"github.com/manash/tryon/pkg/models"
)

var (
	ErrAtCapacity   = errors.New("too many generations in progress, please try again shortly")
	ErrShuttingDown = errors.New("server is shutting down")
)

// Observer receives one call per resolved generation.
type Observer interface {
	ObserveGeneration(outcome string, d time.Duration)
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStale   = "stale"
)

// Runner performs the single outbound call for each ticket in the
// background and resolves the controller when it returns.
type Runner struct {
	provider provider.Provider
	logger   *log.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewRunner bounds concurrent calls to maxConcurrent; zero or less means
// unbounded.
func NewRunner(p provider.Provider, maxConcurrent int, observer Observer, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}

	return &Runner{
		provider: p,
		logger:   logger.With("component", "runner"),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		group:    g,
	}
}

// Generate triggers generation on c. The call itself runs in the background;
// the returned snapshot shows the Generating state. When the runner is at
// capacity the attempt is recorded as a failure instead.
func (r *Runner) Generate(c *Controller) (Snapshot, error) {
	// r.mu spans the closed check and TryGo so Shutdown cannot start waiting
	// between them.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return c.Snapshot(), ErrShuttingDown
	}

	ticket, req, err := c.Begin()
	if err != nil {
		r.mu.Unlock()
		return c.Snapshot(), err
	}

	logger := r.logger.With("session", ticket.SessionID, "model", req.Model)
	logger.Info("generation started", "subject", req.Subject.Name, "garment", req.Garment.Name)

	ok := r.group.TryGo(func() error {
		result, err := r.provider.TryOn(r.ctx, req)
		r.finish(c, ticket, result, err, logger)
		return nil
	})
	r.mu.Unlock()

	if !ok {
		logger.Warn("runner at capacity")
		r.finish(c, ticket, nil, ErrAtCapacity, logger)
	}

	return c.Snapshot(), nil
}

func (r *Runner) finish(c *Controller, t Ticket, result *models.Result, err error, logger *log.Logger) {
	elapsed := time.Since(t.Started())
	applied := c.Resolve(t, result, err)

	outcome := OutcomeSuccess
	switch {
	case !applied:
		outcome = OutcomeStale
		logger.Info("discarded stale generation result", "elapsed", elapsed, "err", err)
	case err != nil || result == nil:
		outcome = OutcomeFailure
		logger.Error("generation failed", "elapsed", elapsed, "err", err)
	default:
		logger.Info("generation succeeded", "elapsed", elapsed, "bytes", len(result.Data))
	}

	if r.observer != nil {
		r.observer.ObserveGeneration(outcome, elapsed)
	}
}

// Shutdown stops accepting work and waits for in-flight calls. If ctx ends
// first the outstanding calls are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
