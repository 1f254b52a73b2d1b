package reconcile

import (
	"context"
	"time"
)

// Provider is the capability interface a backend implements. Get methods take
// the counterpart entity and return the local entity it is linked to, or nil.
// Create methods first look for an existing entity with the same name and
// only then create one. Any Create may return ErrCreationDisabled.
type Provider interface {
	Name() string

	GetSyncID(kind Kind, id int64) (int64, error)
	SetSyncID(kind Kind, id, remote int64) error

	// ListProjects never fails: backend errors are logged and yield an empty
	// or partial list.
	ListProjects(ctx context.Context) []Project
	ListVersions(ctx context.Context, project Project) ([]Version, error)
	// RecentTasks returns the project's tasks changed after since, or every
	// task when since is zero.
	RecentTasks(ctx context.Context, project Project, since time.Time) ([]Task, error)

	GetProject(ctx context.Context, counterpart Project) (Project, error)
	CreateProject(ctx context.Context, src Project) (Project, error)

	GetVersion(ctx context.Context, counterpart Version) (Version, error)
	// CreateVersion creates src inside project, after parent when non-nil.
	CreateVersion(ctx context.Context, src Version, project Project, parent Version) (Version, error)

	GetTask(ctx context.Context, counterpart Task) (Task, error)
	// CreateTask creates src inside project and version (nil for backlog).
	// Features may be created as a different work item type.
	CreateTask(ctx context.Context, src Task, project Project, version Version) (Task, error)

	GetUser(ctx context.Context, counterpart User) (User, error)
	CreateUser(ctx context.Context, src User) (User, error)
}

// Resetter is implemented by providers that cache backend state between
// calls. Reset is called at the start of every cycle.
type Resetter interface {
	Reset()
}
