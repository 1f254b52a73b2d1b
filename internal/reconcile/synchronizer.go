package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielolaszy/tether/internal/logging"
)

// Synchronizer pushes the fields of source tasks into their counterparts in
// the target provider. A Synchronizer lives for one pass.
type Synchronizer struct {
	target  Provider
	log     *slog.Logger
	resolve *resolver
}

// NewSynchronizer returns a Synchronizer writing into target.
func NewSynchronizer(target Provider, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Synchronizer{target: target, log: log, resolve: newResolver(target, log)}
}

// taskSync holds the state of one Synchronize call.
type taskSync struct {
	*Synchronizer
	ctx     context.Context
	local   Task
	remote  Task
	changed bool
}

// Synchronize reconciles one task into its counterpart, creating the
// counterpart when needed. It reports whether any counterpart field was
// written. Failing steps are logged and skipped; an error is returned only
// when no counterpart could be resolved. A task whose counterpart the target
// may not create is skipped without error.
func (s *Synchronizer) Synchronize(ctx context.Context, task Task) (bool, error) {
	if !task.Include() {
		return false, nil
	}

	remote, err := s.resolve.task(ctx, task, true)
	if err != nil {
		return false, err
	}
	if remote == nil {
		return false, nil
	}

	t := &taskSync{Synchronizer: s, ctx: ctx, local: task, remote: remote}
	t.trace("synchronizing task")

	// Terminal states go last so that closing sees the fully updated task.
	terminal := task.State().Terminal()
	if !terminal {
		t.syncState()
	}
	t.syncName()
	t.syncDescription()
	t.syncProjectAndVersion()
	t.syncParent()
	t.syncOwner()
	if terminal {
		t.syncState()
	}
	t.syncPriority()
	t.syncURL()

	if t.changed {
		if err := remote.OnSyncComplete(ctx); err != nil {
			t.warn("post update hook failed", err)
		}
	}
	return t.changed, nil
}

func (t *taskSync) trace(msg string, args ...any) {
	args = append([]any{"task", t.remote.Name(), "system", t.target.Name()}, args...)
	t.log.Log(t.ctx, logging.LevelTrace, msg, args...)
}

func (t *taskSync) warn(msg string, err error, args ...any) {
	args = append([]any{"task", t.remote.Name(), "system", t.target.Name(), "error", err}, args...)
	t.log.Warn(msg, args...)
}

// apply runs one write and records the outcome. Unsupported writes leave the
// changed flag alone.
func (t *taskSync) apply(field string, write func() error) {
	err := write()
	switch {
	case err == nil:
		t.changed = true
	case errors.Is(err, ErrUnsupported):
		t.trace("field not supported by backend", "field", field)
	default:
		t.warn("failed to update field", err, "field", field)
	}
}

func (t *taskSync) syncState() {
	state := t.local.State()
	if !t.remote.StateNeedsUpdating(state) {
		return
	}
	t.trace("updating state", "state", state.String())
	t.apply("state", func() error { return t.remote.SetState(t.ctx, state) })
}

func (t *taskSync) syncName() {
	name := t.local.Name()
	if name == t.remote.Name() {
		return
	}
	t.trace("updating name", "name", name)
	t.apply("name", func() error { return t.remote.SetName(t.ctx, name) })
}

func (t *taskSync) syncDescription() {
	description := t.local.Description()
	if description == t.remote.Description() {
		return
	}
	t.trace("updating description")
	t.apply("description", func() error { return t.remote.SetDescription(t.ctx, description) })
}

func (t *taskSync) syncProjectAndVersion() {
	t.syncProject()
	t.syncVersion()
}

func (t *taskSync) syncProject() {
	local, err := t.local.Project(t.ctx)
	if err != nil {
		t.warn("failed to read task project", err)
		return
	}
	if local == nil {
		t.trace("task has no project, leaving counterpart project alone")
		return
	}
	project, err := t.resolve.project(t.ctx, local)
	if err != nil {
		t.warn("failed to move task, counterpart project unavailable", err, "project", local.Name())
		return
	}
	if project == nil {
		t.trace("counterpart project not available, leaving task where it is", "project", local.Name())
		return
	}
	current, err := t.remote.Project(t.ctx)
	if err != nil {
		t.warn("failed to read counterpart project", err)
		return
	}
	if current != nil && current.ID() == project.ID() {
		return
	}
	t.trace("moving task to project", "project", project.Name())
	t.apply("project", func() error { return t.remote.SetProject(t.ctx, project) })
}

func (t *taskSync) syncVersion() {
	local, err := t.local.Version(t.ctx)
	if err != nil {
		t.warn("failed to read task version", err)
		return
	}
	current, err := t.remote.Version(t.ctx)
	if err != nil {
		t.warn("failed to read counterpart version", err)
		return
	}

	var version Version
	if local != nil {
		version, err = t.resolve.version(t.ctx, local)
		if err != nil {
			t.warn("failed to resolve counterpart version", err, "version", local.Name())
			version = nil
		}
	}

	if version == nil {
		if current != nil {
			t.trace("moving task to the backlog")
			t.apply("version", func() error { return t.remote.SetVersion(t.ctx, nil) })
		}
		return
	}
	if current != nil && current.ID() == version.ID() {
		return
	}
	t.trace("moving task to version", "version", version.Name())
	t.apply("version", func() error { return t.remote.SetVersion(t.ctx, version) })
}

func (t *taskSync) syncParent() {
	local, err := t.local.Parent(t.ctx)
	if err != nil {
		t.warn("failed to read parent task", err)
		return
	}
	current, err := t.remote.Parent(t.ctx)
	if err != nil {
		t.warn("failed to read counterpart parent task", err)
		return
	}

	if local == nil {
		if current != nil {
			t.trace("clearing parent task")
			t.apply("parent", func() error { return t.remote.SetParent(t.ctx, nil) })
		}
		return
	}

	parent, err := t.resolve.task(t.ctx, local, true)
	if err != nil || parent == nil {
		t.warn("failed to resolve counterpart parent task, clearing parent", err, "parent", local.Name())
		if current != nil {
			t.apply("parent", func() error { return t.remote.SetParent(t.ctx, nil) })
		}
		return
	}

	// The prospective parent's id is compared with the current parent's
	// cross-reference, one system removed. Keep this comparison as is.
	if current == nil || parent.ID() != current.SyncID() {
		t.trace("setting parent task", "parent", parent.Name())
		t.apply("parent", func() error { return t.remote.SetParent(t.ctx, parent) })
	}
}

func (t *taskSync) syncOwner() {
	current, err := t.remote.Owner(t.ctx)
	if err != nil {
		t.warn("failed to read counterpart owner", err)
		return
	}

	var owner User
	local, err := t.local.Owner(t.ctx)
	if err != nil {
		t.warn("failed to read task owner", err)
	} else if local != nil {
		owner, err = t.resolve.user(t.ctx, local)
		if err != nil {
			t.warn("failed to resolve counterpart owner", err, "owner", local.Name())
			owner = nil
		}
	}

	if owner == nil {
		if current != nil {
			t.trace("clearing owner")
			t.apply("owner", func() error { return t.remote.SetOwner(t.ctx, nil) })
		}
		return
	}
	if current != nil && current.ID() == owner.ID() {
		return
	}
	t.trace("setting owner", "owner", owner.Name())
	t.apply("owner", func() error { return t.remote.SetOwner(t.ctx, owner) })
}

func (t *taskSync) syncPriority() {
	priority := t.local.Priority()
	if !t.remote.PriorityNeedsUpdating(priority) {
		return
	}
	t.trace("setting priority", "priority", priority)
	t.apply("priority", func() error { return t.remote.SetPriority(t.ctx, priority) })
}

func (t *taskSync) syncURL() {
	url, remoteURL := t.local.URL(), t.remote.URL()
	switch {
	case t.remote.AcceptsURL() && url != "" && url != remoteURL:
		t.trace("setting url", "url", url)
		t.apply("url", func() error { return t.remote.SetURL(t.ctx, url) })
	case !t.remote.AcceptsURL() && t.local.AcceptsURL() && remoteURL != "" && url != remoteURL:
		// The source task takes the counterpart's URL. This does not count
		// as a counterpart change.
		t.log.Log(t.ctx, logging.LevelTrace, "setting url (reversed)", "task", t.local.Name(), "url", remoteURL)
		if err := t.local.SetURL(t.ctx, remoteURL); err != nil && !errors.Is(err, ErrUnsupported) {
			t.warn("failed to update source url", err)
		}
	}
}
