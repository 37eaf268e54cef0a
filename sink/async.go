package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/protogate/errors"
	"github.com/c360/protogate/message"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/pkg/worker"
)

// Async decouples the pipeline from a slow sink. Batches are queued on a
// worker pool laned by tenant, so one tenant's batches keep their order.
// A full queue is reported to the caller instead of blocking.
type Async struct {
	next   Sink
	pool   *worker.Pool[[]message.Message]
	logger *slog.Logger
}

// NewAsync wraps next. registry may be nil.
func NewAsync(next Sink, lanes, queueSize int, registry *metric.MetricsRegistry, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{next: next, logger: logger.With("component", "sink.async", "sink", next.Name())}

	var opts []worker.Option[[]message.Message]
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[[]message.Message](registry, "sink_"+next.Name()))
	}
	a.pool = worker.NewPool(lanes, queueSize, batchKey, a.deliver, opts...)
	return a
}

func batchKey(msgs []message.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].TenantID
}

func (a *Async) deliver(ctx context.Context, msgs []message.Message) error {
	if err := a.next.Publish(ctx, msgs); err != nil {
		a.logger.Warn("Async publish failed", "messages", len(msgs), "error", err)
		return err
	}
	return nil
}

// Start launches the delivery workers.
func (a *Async) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Name implements Sink
func (a *Async) Name() string { return a.next.Name() }

// Publish implements Sink. It returns once the batch is queued.
func (a *Async) Publish(_ context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := a.pool.Submit(msgs); err != nil {
		return errors.WrapTransient(err, "Async", "Publish", "queue batch")
	}
	return nil
}

// Stats returns the delivery pool statistics.
func (a *Async) Stats() worker.PoolStats { return a.pool.Stats() }

// Close drains queued batches, bounded by ctx, then closes the wrapped sink.
func (a *Async) Close(ctx context.Context) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return errors.Join(a.pool.Stop(timeout), a.next.Close(ctx))
}
