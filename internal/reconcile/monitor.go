package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielolaszy/tether/internal/logging"
)

// Report counts what one CheckForUpdates call did.
type Report struct {
	Passes   int `yaml:"passes"`
	Projects int `yaml:"projects"`
	Skipped  int `yaml:"skipped"`
	Versions int `yaml:"versions"`
	Tasks    int `yaml:"tasks"`
	Changed  int `yaml:"changed"`
	Failed   int `yaml:"failed"`
}

func (r *Report) add(o Report) {
	r.Passes += o.Passes
	r.Projects += o.Projects
	r.Skipped += o.Skipped
	r.Versions += o.Versions
	r.Tasks += o.Tasks
	r.Changed += o.Changed
	r.Failed += o.Failed
}

// Monitor discovers what changed in a source provider since the last pass and
// reconciles it into a target provider.
type Monitor struct {
	source Provider
	target Provider
	log    *slog.Logger
	now    func() time.Time
	force  bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithForce requests one full resynchronization on the next CheckForUpdates.
func WithForce(force bool) MonitorOption {
	return func(m *Monitor) { m.force = force }
}

// WithClock replaces the time source used for watermarks.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger. The package default logger is used otherwise.
func WithLogger(log *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor returns a Monitor reconciling source into target.
func NewMonitor(source, target Provider, opts ...MonitorOption) *Monitor {
	m := &Monitor{source: source, target: target, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.GetLogger()
	}
	m.log = m.log.With("source", source.Name(), "target", target.Name())
	return m
}

// Forced reports whether the next CheckForUpdates will force a full resync.
func (m *Monitor) Forced() bool {
	return m.force
}

// CheckForUpdates runs one pass. When a full resync was requested the pass
// resets every processed project's watermark, then a second pass runs
// immediately as a full scan and the request is cleared.
func (m *Monitor) CheckForUpdates(ctx context.Context) Report {
	var report Report
	for {
		report.add(m.pass(ctx))
		if !m.force {
			return report
		}
		m.log.Info("performing a forced synchronization")
		m.force = false
	}
}

func (m *Monitor) pass(ctx context.Context) Report {
	report := Report{Passes: 1}
	sync := NewSynchronizer(m.target, m.log)

	for _, project := range m.source.ListProjects(ctx) {
		if !project.Include() {
			m.log.Log(ctx, logging.LevelTrace, "project excluded from synchronization", "project", project.Name())
			report.Skipped++
			continue
		}
		report.Projects++

		now := m.now()
		m.updateVersions(ctx, sync, project, &report)
		m.updateTasks(ctx, sync, project, &report)

		mark := now
		if m.force {
			mark = time.Time{}
		}
		if err := project.SetLastSyncTime(mark); err != nil {
			m.log.Error("failed to store project watermark", "project", project.Name(), "error", err)
		}
	}
	return report
}

func (m *Monitor) updateVersions(ctx context.Context, sync *Synchronizer, project Project, report *Report) {
	m.log.Log(ctx, logging.LevelTrace, "checking for created versions", "project", project.Name())

	versions, err := m.source.ListVersions(ctx, project)
	if err != nil {
		m.log.Warn("failed to list versions", "project", project.Name(), "error", err)
		return
	}
	for _, v := range versions {
		if !v.Include() {
			continue
		}
		counterpart, err := sync.resolve.version(ctx, v)
		if err != nil {
			m.log.Warn("failed to synchronize version", "project", project.Name(), "version", v.Name(), "error", err)
			continue
		}
		if counterpart == nil {
			continue
		}
		report.Versions++
	}
}

func (m *Monitor) updateTasks(ctx context.Context, sync *Synchronizer, project Project, report *Report) {
	m.log.Log(ctx, logging.LevelTrace, "checking for updates", "project", project.Name())

	since, err := project.LastSyncTime()
	if err != nil {
		m.log.Warn("failed to read project watermark, scanning every task", "project", project.Name(), "error", err)
		since = time.Time{}
	}
	tasks, err := m.source.RecentTasks(ctx, project, since)
	if err != nil {
		m.log.Warn("failed to list recent tasks", "project", project.Name(), "error", err)
		return
	}

	for _, task := range tasks {
		if task == nil {
			continue
		}
		report.Tasks++
		changed, err := m.synchronize(ctx, sync, task)
		if err != nil {
			report.Failed++
			m.log.Error("failed to synchronize task", "project", project.Name(), "task", task.Name(), "error", err)
			continue
		}
		if changed {
			report.Changed++
		}
	}

	m.log.Log(ctx, logging.LevelTrace, "finished checking for updates", "project", project.Name())
}

// synchronize isolates one task: a panic is turned into an error.
func (m *Monitor) synchronize(ctx context.Context, sync *Synchronizer, task Task) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sync.Synchronize(ctx, task)
}
