// Package memory is an in-process backend. It keeps projects, versions, tasks
// and users in maps and counts every write, which makes it the reference
// provider for exercising the reconciliation engine.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/internal/reconcile"
)

// Options configures a Backend.
type Options struct {
	// IDBase is the first id handed out. Distinct bases keep the ids of two
	// backends from colliding.
	IDBase int64
	// AcceptsURLs makes tasks store URLs pushed into them. Otherwise every
	// task carries its own generated URL.
	AcceptsURLs bool
	// PriorityTiers limits priorities to 1..PriorityTiers. 0 is unlimited.
	PriorityTiers int

	DisableProjectCreation bool
	DisableVersionCreation bool
	DisableTaskCreation    bool
	DisableUserCreation    bool
}

type ProjectRecord struct {
	ID          int64
	Name        string
	Description string
	Excluded    bool
}

type VersionRecord struct {
	ID        int64
	ProjectID int64
	ParentID  int64
	Name      string
	Closed    bool
}

type TaskRecord struct {
	ID          int64
	ProjectID   int64
	VersionID   int64
	ParentID    int64
	OwnerID     int64
	Name        string
	Description string
	URL         string
	State       reconcile.State
	Priority    int
	Feature     bool
	Updated     time.Time
}

type UserRecord struct {
	ID    int64
	Name  string
	Email string
}

// Backend is a reconcile.Provider over in-memory records.
type Backend struct {
	*reconcile.Links

	name string
	opts Options
	now  func() time.Time
	next int64

	projects map[int64]*ProjectRecord
	versions map[int64]*VersionRecord
	tasks    map[int64]*TaskRecord
	users    map[int64]*UserRecord

	// Writes counts every mutation made through the provider interface.
	Writes int
	// Fail, when set, runs before each operation. A non-nil error fails the
	// operation; it may also panic.
	Fail func(op string, id int64) error
}

// New returns an empty Backend named name. now is the backend's clock; nil
// means time.Now.
func New(name string, links *reconcile.Links, opts Options, now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	if opts.IDBase <= 0 {
		opts.IDBase = 1
	}
	return &Backend{
		Links:    links,
		name:     name,
		opts:     opts,
		now:      now,
		next:     opts.IDBase,
		projects: make(map[int64]*ProjectRecord),
		versions: make(map[int64]*VersionRecord),
		tasks:    make(map[int64]*TaskRecord),
		users:    make(map[int64]*UserRecord),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) id() int64 {
	id := b.next
	b.next++
	return id
}

func (b *Backend) check(op string, id int64) error {
	if b.Fail == nil {
		return nil
	}
	if err := b.Fail(op, id); err != nil {
		return fmt.Errorf("%s %s %d: %w", b.name, op, id, err)
	}
	return nil
}

// AddProject seeds a project.
func (b *Backend) AddProject(name string) *ProjectRecord {
	rec := &ProjectRecord{ID: b.id(), Name: name}
	b.projects[rec.ID] = rec
	return rec
}

// AddVersion seeds a version of project, after parent when non-zero.
func (b *Backend) AddVersion(project int64, name string, parent int64) *VersionRecord {
	rec := &VersionRecord{ID: b.id(), ProjectID: project, ParentID: parent, Name: name}
	b.versions[rec.ID] = rec
	return rec
}

// AddUser seeds a user.
func (b *Backend) AddUser(name, email string) *UserRecord {
	rec := &UserRecord{ID: b.id(), Name: name, Email: email}
	b.users[rec.ID] = rec
	return rec
}

// AddTask seeds a task. The id and update time are assigned.
func (b *Backend) AddTask(rec TaskRecord) *TaskRecord {
	rec.ID = b.id()
	rec.Updated = b.now()
	if rec.URL == "" && !b.opts.AcceptsURLs {
		rec.URL = b.ownURL(rec.ID)
	}
	b.tasks[rec.ID] = &rec
	return &rec
}

// Edit changes a task the way a user of the backend would: outside the
// provider interface, bumping its update time.
func (b *Backend) Edit(id int64, edit func(*TaskRecord)) {
	rec := b.tasks[id]
	edit(rec)
	rec.Updated = b.now()
}

func (b *Backend) Project(id int64) *ProjectRecord { return b.projects[id] }
func (b *Backend) Version(id int64) *VersionRecord { return b.versions[id] }
func (b *Backend) Task(id int64) *TaskRecord       { return b.tasks[id] }
func (b *Backend) User(id int64) *UserRecord       { return b.users[id] }

// Tasks returns every task ordered by id.
func (b *Backend) Tasks() []*TaskRecord {
	out := make([]*TaskRecord, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) ownURL(id int64) string {
	return fmt.Sprintf("http://%s/%d", b.name, id)
}

func (b *Backend) ListProjects(ctx context.Context) []reconcile.Project {
	if err := b.check("list_projects", 0); err != nil {
		logging.Warn("failed to list projects", "system", b.name, "error", err)
		return nil
	}
	ids := sortedIDs(b.projects)
	out := make([]reconcile.Project, 0, len(ids))
	for _, id := range ids {
		p, err := b.project(id)
		if err != nil {
			logging.Warn("failed to load project", "system", b.name, "id", id, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

func (b *Backend) ListVersions(ctx context.Context, project reconcile.Project) ([]reconcile.Version, error) {
	if err := b.check("list_versions", project.ID()); err != nil {
		return nil, err
	}
	var out []reconcile.Version
	for _, id := range sortedIDs(b.versions) {
		if b.versions[id].ProjectID != project.ID() {
			continue
		}
		v, err := b.version(id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (b *Backend) RecentTasks(ctx context.Context, project reconcile.Project, since time.Time) ([]reconcile.Task, error) {
	if err := b.check("recent_tasks", project.ID()); err != nil {
		return nil, err
	}
	var out []reconcile.Task
	for _, id := range sortedIDs(b.tasks) {
		rec := b.tasks[id]
		if rec.ProjectID != project.ID() {
			continue
		}
		if !since.IsZero() && !rec.Updated.After(since) {
			continue
		}
		t, err := b.task(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	logging.Trace("listed recent tasks", "system", b.name, "project", project.Name(), "since", since, "count", len(out))
	return out, nil
}

func (b *Backend) GetProject(ctx context.Context, counterpart reconcile.Project) (reconcile.Project, error) {
	if _, ok := b.projects[counterpart.SyncID()]; !ok {
		return nil, nil
	}
	return b.project(counterpart.SyncID())
}

func (b *Backend) CreateProject(ctx context.Context, src reconcile.Project) (reconcile.Project, error) {
	for _, id := range sortedIDs(b.projects) {
		if b.projects[id].Name == src.Name() {
			return b.project(id)
		}
	}
	if b.opts.DisableProjectCreation {
		return nil, reconcile.ErrCreationDisabled
	}
	if err := b.check("create_project", 0); err != nil {
		return nil, err
	}
	rec := b.AddProject(src.Name())
	rec.Description = src.Description()
	b.Writes++
	return b.project(rec.ID)
}

func (b *Backend) GetVersion(ctx context.Context, counterpart reconcile.Version) (reconcile.Version, error) {
	if _, ok := b.versions[counterpart.SyncID()]; !ok {
		return nil, nil
	}
	return b.version(counterpart.SyncID())
}

func (b *Backend) CreateVersion(ctx context.Context, src reconcile.Version, project reconcile.Project, parent reconcile.Version) (reconcile.Version, error) {
	for _, id := range sortedIDs(b.versions) {
		if v := b.versions[id]; v.ProjectID == project.ID() && v.Name == src.Name() {
			return b.version(id)
		}
	}
	if b.opts.DisableVersionCreation {
		return nil, reconcile.ErrCreationDisabled
	}
	if err := b.check("create_version", 0); err != nil {
		return nil, err
	}
	var parentID int64
	if parent != nil {
		parentID = parent.ID()
	}
	rec := b.AddVersion(project.ID(), src.Name(), parentID)
	b.Writes++
	return b.version(rec.ID)
}

func (b *Backend) GetTask(ctx context.Context, counterpart reconcile.Task) (reconcile.Task, error) {
	if err := b.check("get_task", counterpart.SyncID()); err != nil {
		return nil, err
	}
	if _, ok := b.tasks[counterpart.SyncID()]; !ok {
		return nil, nil
	}
	return b.task(counterpart.SyncID())
}

func (b *Backend) CreateTask(ctx context.Context, src reconcile.Task, project reconcile.Project, version reconcile.Version) (reconcile.Task, error) {
	for _, id := range sortedIDs(b.tasks) {
		if t := b.tasks[id]; t.ProjectID == project.ID() && t.Name == src.Name() {
			return b.task(id)
		}
	}
	if b.opts.DisableTaskCreation {
		return nil, reconcile.ErrCreationDisabled
	}
	if err := b.check("create_task", 0); err != nil {
		return nil, err
	}
	rec := TaskRecord{
		ProjectID:   project.ID(),
		Name:        src.Name(),
		Description: src.Description(),
		State:       reconcile.StateOpen,
		Priority:    b.clamp(src.Priority()),
		Feature:     src.IsFeature(),
	}
	if version != nil {
		rec.VersionID = version.ID()
	}
	created := b.AddTask(rec)
	b.Writes++
	return b.task(created.ID)
}

func (b *Backend) GetUser(ctx context.Context, counterpart reconcile.User) (reconcile.User, error) {
	if _, ok := b.users[counterpart.SyncID()]; !ok {
		return nil, nil
	}
	return b.user(counterpart.SyncID())
}

func (b *Backend) CreateUser(ctx context.Context, src reconcile.User) (reconcile.User, error) {
	for _, id := range sortedIDs(b.users) {
		if b.users[id].Name == src.Name() {
			return b.user(id)
		}
	}
	if b.opts.DisableUserCreation {
		return nil, reconcile.ErrCreationDisabled
	}
	if err := b.check("create_user", 0); err != nil {
		return nil, err
	}
	rec := b.AddUser(src.Name(), src.Email())
	b.Writes++
	return b.user(rec.ID)
}

func (b *Backend) clamp(priority int) int {
	if b.opts.PriorityTiers > 0 && priority > b.opts.PriorityTiers {
		return b.opts.PriorityTiers
	}
	return priority
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
