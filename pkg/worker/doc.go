// Package worker provides a keyed worker pool.
//
// Work items carry a key. Each key hashes to one lane, and a lane is served
// by exactly one goroutine, so items with the same key are processed in
// submission order while different keys proceed concurrently.
//
// Submit never blocks: a full lane returns ErrQueueFull so callers can drop
// or shed load. Statistics are always tracked with atomics; Prometheus
// metrics are registered only when WithMetricsRegistry is supplied.
//
//	pool := worker.NewPool(8, 256,
//	    func(f transport.Frame) string { return f.TenantID },
//	    func(ctx context.Context, f transport.Frame) error { return handle(ctx, f) },
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
package worker
