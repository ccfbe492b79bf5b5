// Package scheduler owns the lifecycle of scheduled and recurring
// broadcast jobs: persisted definitions, arming timers from triggers,
// invoking the dispatcher on fire, and recording the outcome.
//
// The scheduler never owns a timer wheel. Each job's Trigger answers
// "when next?" and the service arms a plain timer for that instant; at
// most one live timer exists per job. On restart, pending jobs with a
// future fire time are re-armed from persisted state and overdue ones
// are dispatched immediately, once, before normal scheduling resumes.
// The dedup gate downstream is the backstop against a double fire when
// a prior run's outcome was not yet persisted.
package scheduler
