// Package worker provides a bounded generic worker pool.
//
// A Pool runs a fixed number of goroutines draining a bounded queue. Submit
// never blocks and returns ErrQueueFull when the queue is at capacity;
// SubmitWait blocks until there is room. Devices run their background
// commands on a pool:
//
//	pool, err := worker.NewPool(2, 64, runCommand,
//		worker.WithErrorHandler(func(c *command, err error) {
//			logger.Error("Background command failed", "command", c.name, "error", err)
//		}),
//		worker.WithMetrics[*command](registry, "device/"+id))
//	if err != nil {
//		return err
//	}
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Stop lets queued items finish. A panic inside an item is recovered and
// reported as ErrWorkPanicked.
package worker
