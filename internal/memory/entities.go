package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/danielolaszy/tether/internal/reconcile"
)

type project struct {
	*reconcile.Ref
	rec *ProjectRecord
}

func (b *Backend) project(id int64) (reconcile.Project, error) {
	rec, ok := b.projects[id]
	if !ok {
		return nil, fmt.Errorf("%s: project %d not found", b.name, id)
	}
	ref, err := b.Ref(reconcile.KindProject, id)
	if err != nil {
		return nil, err
	}
	return &project{Ref: ref, rec: rec}, nil
}

func (p *project) Name() string        { return p.rec.Name }
func (p *project) Description() string { return p.rec.Description }
func (p *project) Include() bool       { return !p.rec.Excluded }

func (p *project) LastSyncTime() (time.Time, error)   { return p.Watermark() }
func (p *project) SetLastSyncTime(at time.Time) error { return p.SetWatermark(at) }

type version struct {
	*reconcile.Ref
	b   *Backend
	rec *VersionRecord
}

func (b *Backend) version(id int64) (reconcile.Version, error) {
	rec, ok := b.versions[id]
	if !ok {
		return nil, fmt.Errorf("%s: version %d not found", b.name, id)
	}
	ref, err := b.Ref(reconcile.KindVersion, id)
	if err != nil {
		return nil, err
	}
	return &version{Ref: ref, b: b, rec: rec}, nil
}

func (v *version) Name() string        { return v.rec.Name }
func (v *version) Description() string { return "" }
func (v *version) Include() bool       { return !v.rec.Closed }

func (v *version) Project(ctx context.Context) (reconcile.Project, error) {
	return v.b.project(v.rec.ProjectID)
}

func (v *version) Parent(ctx context.Context) (reconcile.Version, error) {
	if v.rec.ParentID == 0 {
		return nil, nil
	}
	return v.b.version(v.rec.ParentID)
}

type user struct {
	*reconcile.Ref
	rec *UserRecord
}

func (b *Backend) user(id int64) (reconcile.User, error) {
	rec, ok := b.users[id]
	if !ok {
		return nil, fmt.Errorf("%s: user %d not found", b.name, id)
	}
	ref, err := b.Ref(reconcile.KindUser, id)
	if err != nil {
		return nil, err
	}
	return &user{Ref: ref, rec: rec}, nil
}

func (u *user) Name() string        { return u.rec.Name }
func (u *user) Description() string { return "" }
func (u *user) Include() bool       { return true }
func (u *user) Email() string       { return u.rec.Email }

type task struct {
	*reconcile.Ref
	b   *Backend
	rec *TaskRecord
}

func (b *Backend) task(id int64) (reconcile.Task, error) {
	rec, ok := b.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%s: task %d not found", b.name, id)
	}
	ref, err := b.Ref(reconcile.KindTask, id)
	if err != nil {
		return nil, err
	}
	return &task{Ref: ref, b: b, rec: rec}, nil
}

func (t *task) Name() string          { return t.rec.Name }
func (t *task) Description() string   { return t.rec.Description }
func (t *task) IsFeature() bool       { return t.rec.Feature }
func (t *task) State() reconcile.State { return t.rec.State }
func (t *task) Priority() int         { return t.rec.Priority }
func (t *task) URL() string           { return t.rec.URL }
func (t *task) AcceptsURL() bool      { return t.b.opts.AcceptsURLs }

// Include skips tasks whose last change is the one this engine wrote.
func (t *task) Include() bool {
	if !reconcile.DefaultTaskInclude(t) {
		return false
	}
	mark, err := t.Watermark()
	if err != nil || mark.IsZero() {
		return true
	}
	return t.rec.Updated.After(mark)
}

func (t *task) Project(ctx context.Context) (reconcile.Project, error) {
	if t.rec.ProjectID == 0 {
		return nil, nil
	}
	return t.b.project(t.rec.ProjectID)
}

func (t *task) Version(ctx context.Context) (reconcile.Version, error) {
	if t.rec.VersionID == 0 {
		return nil, nil
	}
	return t.b.version(t.rec.VersionID)
}

func (t *task) Parent(ctx context.Context) (reconcile.Task, error) {
	if t.rec.ParentID == 0 {
		return nil, nil
	}
	return t.b.task(t.rec.ParentID)
}

func (t *task) Owner(ctx context.Context) (reconcile.User, error) {
	if t.rec.OwnerID == 0 {
		return nil, nil
	}
	return t.b.user(t.rec.OwnerID)
}

// write applies one mutation through the provider interface.
func (t *task) write(op string, mutate func(*TaskRecord)) error {
	if err := t.b.check(op, t.rec.ID); err != nil {
		return err
	}
	mutate(t.rec)
	t.rec.Updated = t.b.now()
	t.b.Writes++
	return nil
}

func (t *task) SetName(ctx context.Context, name string) error {
	return t.write("set_name", func(r *TaskRecord) { r.Name = name })
}

func (t *task) SetDescription(ctx context.Context, description string) error {
	return t.write("set_description", func(r *TaskRecord) { r.Description = description })
}

func (t *task) SetState(ctx context.Context, state reconcile.State) error {
	return t.write("set_state", func(r *TaskRecord) { r.State = state })
}

func (t *task) SetProject(ctx context.Context, p reconcile.Project) error {
	return t.write("set_project", func(r *TaskRecord) { r.ProjectID = p.ID() })
}

func (t *task) SetVersion(ctx context.Context, v reconcile.Version) error {
	return t.write("set_version", func(r *TaskRecord) {
		r.VersionID = 0
		if v != nil {
			r.VersionID = v.ID()
		}
	})
}

func (t *task) SetParent(ctx context.Context, parent reconcile.Task) error {
	return t.write("set_parent", func(r *TaskRecord) {
		r.ParentID = 0
		if parent != nil {
			r.ParentID = parent.ID()
		}
	})
}

func (t *task) SetOwner(ctx context.Context, owner reconcile.User) error {
	return t.write("set_owner", func(r *TaskRecord) {
		r.OwnerID = 0
		if owner != nil {
			r.OwnerID = owner.ID()
		}
	})
}

func (t *task) SetPriority(ctx context.Context, priority int) error {
	return t.write("set_priority", func(r *TaskRecord) { r.Priority = t.b.clamp(priority) })
}

func (t *task) SetURL(ctx context.Context, url string) error {
	if !t.b.opts.AcceptsURLs {
		return reconcile.ErrUnsupported
	}
	return t.write("set_url", func(r *TaskRecord) { r.URL = url })
}

func (t *task) StateNeedsUpdating(state reconcile.State) bool {
	return t.rec.State != state
}

func (t *task) PriorityNeedsUpdating(priority int) bool {
	return reconcile.PriorityNeedsUpdating(t.rec.Priority, priority, t.b.opts.PriorityTiers)
}

// OnSyncComplete records the task's update time so the change just written
// is not picked up as a foreign edit.
func (t *task) OnSyncComplete(ctx context.Context) error {
	return t.SetWatermark(t.rec.Updated)
}
