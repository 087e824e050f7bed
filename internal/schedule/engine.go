// Package schedule fires stored extractions on their cron cadence. Due
// selection is a pure function over wall-clock time; the side-effecting
// dispatch is separate so the selection logic tests without a clock.
package schedule

import (
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"pagerobot/internal/cron"
	dbpkg "pagerobot/internal/db"
)

// tickConcurrency bounds concurrent schedule dispatches per tick.
const tickConcurrency = 8

// Runner accepts a job for a schedule firing. Satisfied by the job
// manager.
type Runner interface {
	RunScheduled(sched *dbpkg.Schedule) (*dbpkg.Job, error)
}

// Due returns the schedules that should fire at now: active with
// next_run_at in the past. Pure; the database query in Tick applies
// the same predicate in SQL.
func Due(now time.Time, schedules []dbpkg.Schedule) []dbpkg.Schedule {
	var due []dbpkg.Schedule
	for _, s := range schedules {
		if s.IsActive && !s.NextRunAt.After(now) {
			due = append(due, s)
		}
	}
	return due
}

// NextRun computes the UTC next trigger after now for a stored cron
// expression. Stored expressions were validated at create time; should
// one be unreadable anyway, the run is pushed out an hour so a corrupt
// row cannot cause a catch-up storm.
func NextRun(expr string, now time.Time) time.Time {
	parsed, err := cron.Parse(expr)
	if err != nil {
		log.Printf("stored cron %q failed to parse: %v", expr, err)
		return now.UTC().Add(time.Hour)
	}
	next := parsed.Next(now)
	if next.IsZero() {
		return now.UTC().Add(time.Hour)
	}
	return next
}

// Engine evaluates due schedules and hands jobs to the runner.
type Engine struct {
	db     *gorm.DB
	runner Runner
}

// NewEngine wires the schedule engine.
func NewEngine(db *gorm.DB, runner Runner) *Engine {
	return &Engine{db: db, runner: runner}
}

// Tick selects all due schedules and fires each one: claim the run
// with a conditional update, advance next_run_at, dispatch the job.
// next_run_at advances even when dispatch fails; failures never pause
// a schedule. Independent schedules fire concurrently.
func (e *Engine) Tick(now time.Time) error {
	due, err := dbpkg.DueSchedules(e.db, now)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(tickConcurrency)
	for i := range due {
		sched := due[i]
		g.Go(func() error {
			next := NextRun(sched.Cron, now)
			claimed, err := dbpkg.ClaimScheduleRun(e.db, &sched, now, next)
			if err != nil {
				log.Printf("schedule %s claim error: %v", sched.ID, err)
				return nil
			}
			if !claimed {
				// Another instance won this tick.
				return nil
			}
			if _, err := e.runner.RunScheduled(&sched); err != nil {
				log.Printf("schedule %s run skipped: %v", sched.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartWorker launches a background goroutine that ticks the engine at
// the given interval.
func StartWorker(e *Engine, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for t := range ticker.C {
			if err := e.Tick(t.UTC()); err != nil {
				log.Printf("schedule tick error: %v", err)
			}
		}
	}()
}
