// Package jobs exposes convergence runs as long-running jobs.
//
// # Lifecycle
//
//	pending → running → {completed | failed | cancelled}
//
// A job is pending from Create until a worker slot frees up. It is running
// while the orchestrator executes rounds; progress only moves forward.
// completed carries the canonical set and its audit report, set together
// with the status. failed carries the error: repeated round failures,
// ErrJobTimeout or an internal error. cancelled is reachable from pending
// or running and never exposes a partial result. Terminal jobs never move
// again and Get returns the same snapshot until retention removes them.
//
// # Events
//
// Every transition and progress update is published as JSON on
// jobs.{job_id}.{event} through a Publisher, normally a *nats.Conn. Events
// of one job are published in order.
//
// # Usage
//
//	m, err := jobs.NewManager(jobs.ExecutorRunner(build), jobs.DefaultConfig(),
//		jobs.WithPublisher(nc), jobs.WithLogger(logger))
//	m.Start(ctx)
//	id, err := m.Create(ctx, jobs.Request{Text: text})
//	job, err := m.Wait(ctx, id)
package jobs
