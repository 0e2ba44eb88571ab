// Package coordinator triggers pipeline runs on a fixed schedule.
//
// The coordinator only starts runs; the pipeline orchestrator owns the run
// lock. A tick that finds a run in progress is skipped and logged, and the
// next tick is scheduled as usual. Each interval is shifted by a random
// jitter so replicas sharing a database do not fire together.
//
//	c := coordinator.New(orchestrator, cfg.Pipeline.ScheduleInterval())
//	go c.Start(ctx)
//	defer c.Stop()
package coordinator
