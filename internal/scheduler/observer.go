package scheduler

import "log/slog"

// Observer receives scheduler lifecycle events (spec §4.9 "Events").
type Observer interface {
	JobAdded(name string)
	JobRemoved(name string)
	JobExecuted(name string)
	JobError(name string, err error)
}

// slogObserver is the default Observer, generalized from the teacher's
// _job_executed_listener style (originally
// original_source/lifetrace/jobs/scheduler.py's event-listener wiring).
type slogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver returns an Observer that logs every event at logger.
func NewSlogObserver(logger *slog.Logger) Observer {
	return &slogObserver{logger: logger}
}

func (o *slogObserver) JobAdded(name string) {
	o.logger.Info("job added", "name", name)
}

func (o *slogObserver) JobRemoved(name string) {
	o.logger.Info("job removed", "name", name)
}

func (o *slogObserver) JobExecuted(name string) {
	o.logger.Info("job executed", "name", name)
}

func (o *slogObserver) JobError(name string, err error) {
	o.logger.Error("job failed", "name", name, "error", err)
}
