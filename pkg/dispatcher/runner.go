package dispatcher

import (
	"context"

	"github.com/cuemby/almsync/pkg/events"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner drives a pool of consumers feeding the dispatcher
type Runner struct {
	transport  events.Transport
	dispatcher *Dispatcher
	workers    int
	logger     zerolog.Logger
}

// NewRunner creates a runner with the given number of consumers
func NewRunner(transport events.Transport, dispatcher *Dispatcher, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{transport: transport, dispatcher: dispatcher, workers: workers, logger: logger}
}

// Run consumes until ctx is canceled or the transport closes. Deliveries
// for different entities proceed in parallel; the dispatcher serializes
// deliveries for the same entity.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Int("workers", r.workers).Msg("Dispatcher started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			err := r.transport.Consume(gctx, r.dispatcher.Deliver)
			r.logger.Debug().Int("worker", worker).Msg("Consumer stopped")
			return err
		})
	}

	err := g.Wait()
	r.logger.Info().Msg("Dispatcher stopped")
	return err
}
