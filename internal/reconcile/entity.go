// Package reconcile implements the system-agnostic reconciliation engine:
// the entity model shared by every backend, the per-task field merge and the
// monitor that drives one pass over a provider.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrCreationDisabled is returned by a Create call for a capability the
	// backend has switched off through configuration.
	ErrCreationDisabled = errors.New("creation disabled")
	// ErrUnsupported is returned by a setter the backend cannot honour.
	ErrUnsupported = errors.New("unsupported operation")
)

// Kind enumerates the entity kinds.
type Kind int

const (
	KindProject Kind = iota + 1
	KindVersion
	KindTask
	KindUser
)

// Kinds lists every entity kind in dependency order.
var Kinds = []Kind{KindProject, KindVersion, KindTask, KindUser}

func (k Kind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindVersion:
		return "version"
	case KindTask:
		return "task"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a task.
type State int

const (
	StateUnknown State = iota
	StateOpen
	StateCompleted
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCompleted:
		return "completed"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Closed or Rejected.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// ParseState maps a state name onto a State, case-insensitively.
func ParseState(name string) State {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open":
		return StateOpen
	case "completed":
		return StateCompleted
	case "closed":
		return StateClosed
	case "rejected":
		return StateRejected
	default:
		return StateUnknown
	}
}

// Entity is the part every project, version, task and user shares.
type Entity interface {
	Kind() Kind
	ID() int64
	// SyncID is the counterpart's id in the paired system, or 0.
	SyncID() int64
	// Link persists remote as this entity's counterpart.
	Link(remote int64) error
	Name() string
	Description() string
	// Include decides whether the entity takes part in reconciliation.
	Include() bool
}

// Project is the root container of versions and tasks.
type Project interface {
	Entity
	LastSyncTime() (time.Time, error)
	SetLastSyncTime(at time.Time) error
}

// Version belongs to a project and may follow a parent version.
type Version interface {
	Entity
	Project(ctx context.Context) (Project, error)
	// Parent returns the preceding version, or nil.
	Parent(ctx context.Context) (Version, error)
}

// User is a person tasks can be assigned to.
type User interface {
	Entity
	Email() string
}

// Task is a unit of work. Getters that need a backend round trip take a
// context; a nil result with a nil error means "unset".
type Task interface {
	Entity
	IsFeature() bool
	State() State
	// Priority is an ordinal where 1 is the highest.
	Priority() int
	URL() string

	Project(ctx context.Context) (Project, error)
	Version(ctx context.Context) (Version, error)
	Parent(ctx context.Context) (Task, error)
	Owner(ctx context.Context) (User, error)

	SetName(ctx context.Context, name string) error
	SetDescription(ctx context.Context, description string) error
	SetState(ctx context.Context, state State) error
	SetProject(ctx context.Context, project Project) error
	// SetVersion moves the task into version, or to the backlog when nil.
	SetVersion(ctx context.Context, version Version) error
	SetParent(ctx context.Context, parent Task) error
	SetOwner(ctx context.Context, owner User) error
	SetPriority(ctx context.Context, priority int) error
	SetURL(ctx context.Context, url string) error

	StateNeedsUpdating(state State) bool
	PriorityNeedsUpdating(priority int) bool
	// AcceptsURL reports whether the backend stores URLs pushed into it.
	AcceptsURL() bool
	// OnSyncComplete runs after at least one field of the task was written.
	OnSyncComplete(ctx context.Context) error
}

// DefaultTaskInclude admits a task that was ever linked or is still open,
// so stale closed work is never resurrected in the other system.
func DefaultTaskInclude(t interface {
	SyncID() int64
	State() State
}) bool {
	return t.SyncID() > 0 || t.State() == StateOpen
}

// PriorityNeedsUpdating is the comparison backends share. tiers is the number
// of priority levels the backend supports, 0 meaning unlimited. A requested
// priority below the lowest tier is satisfied once the task sits on it.
func PriorityNeedsUpdating(current, requested, tiers int) bool {
	if current == requested {
		return false
	}
	if tiers > 0 && requested > tiers {
		return current != tiers
	}
	return true
}
