package jobs

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/clinicalfacts/logger"
)

// Runner executes one job.
type Runner interface {
	RunJob(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) RunJob(ctx context.Context, job Job) error { return f(ctx, job) }

// Worker consumes deliveries. A job is acked on success, requeued on its
// first failure and dropped when it fails again or cannot be decoded.
type Worker struct {
	runner      Runner
	concurrency int
	log         zerolog.Logger
}

// NewWorker returns a worker running at most concurrency jobs at once.
func NewWorker(runner Runner, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{runner: runner, concurrency: concurrency, log: logger.NewLogger("worker")}
}

// Run processes deliveries until ctx is done or the channel closes. In-flight
// jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				w.log.Warn().Msg("deliveries channel closed")
				return nil
			}
			g.Go(func() error {
				w.handle(ctx, &d)
				return nil
			})
		}
	}
}

func (w *Worker) handle(ctx context.Context, d *amqp.Delivery) {
	log := w.log.With().Str("message_id", d.MessageId).Logger()

	job, err := Decode(d.Body)
	if err != nil {
		log.Err(err).Str("body", string(d.Body)).Msg("dropping malformed job")
		if err := d.Reject(false); err != nil {
			log.Err(err).Msg("failed to reject delivery")
		}
		return
	}
	log = log.With().Str("kind", string(job.Kind)).Str("source", job.Source).Logger()

	if err := w.runner.RunJob(ctx, job); err != nil {
		log.Err(err).Msg("job failed")
		rejectDelivery(d, errors.Is(err, ErrInvalidJob), &log)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Err(err).Msg("failed to acknowledge delivery")
		return
	}
	log.Info().Msg("job done")
}

func rejectDelivery(d *amqp.Delivery, permanent bool, log *zerolog.Logger) {
	if permanent || d.Redelivered {
		log.Info().Msg("rejecting delivery")
		if err := d.Reject(false); err != nil {
			log.Err(err).Msg("failed to reject delivery")
		}
		return
	}
	log.Info().Msg("requeuing delivery as it has not been redelivered yet")
	if err := d.Reject(true); err != nil {
		log.Err(err).Msg("failed to requeue delivery")
	}
}
