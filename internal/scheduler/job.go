package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field specs and @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job runs a function on a cron schedule that can be replaced while running.
// Runs never overlap; a run still in progress when the next is due is skipped.
type Job struct {
	name   string
	fn     func()
	logger *slog.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	schedule string
}

// NewJob creates a stopped job.
func NewJob(name string, fn func()) *Job {
	return &Job{name: name, fn: fn, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (j *Job) WithLogger(logger *slog.Logger) *Job {
	j.logger = logger
	return j
}

// Start begins running on schedule.
func (j *Job) Start(schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return fmt.Errorf("%s already started", j.name)
	}
	return j.startLocked(schedule)
}

func (j *Job) startLocked(schedule string) error {
	logger := cronLogger{j.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		// Recover sits inside SkipIfStillRunning so a panic still frees the run slot.
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	if _, err := c.AddFunc(schedule, j.fn); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", j.name, schedule, err)
	}
	c.Start()

	j.cron = c
	j.schedule = schedule
	j.logger.Info(j.name+" started", slog.String("schedule", schedule))
	return nil
}

// Reschedule replaces the schedule of a running job. An invalid schedule
// keeps the previous one. A stopped job stays stopped.
func (j *Job) Reschedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", j.name, schedule, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron == nil || schedule == j.schedule {
		return nil
	}
	<-j.cron.Stop().Done()
	j.cron = nil
	return j.startLocked(schedule)
}

// Apply starts, reschedules or stops the job so it runs on schedule.
// An empty schedule stops it.
func (j *Job) Apply(schedule string) error {
	if schedule == "" {
		j.Stop()
		return nil
	}
	if err := j.Start(schedule); err == nil {
		return nil
	}
	return j.Reschedule(schedule)
}

// Running reports whether the job is scheduled.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cron != nil
}

// Stop stops the job and waits for a running invocation to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.schedule = ""
	j.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info(j.name + " stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
