package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielolaszy/tether/internal/logging"
)

var errNotCreated = errors.New("provider returned no entity")

// maxVersionDepth bounds the walk up a version's parent chain.
const maxVersionDepth = 64

type memoKey struct {
	kind Kind
	id   int64
}

// resolver finds or creates counterparts in the target provider. It
// remembers every counterpart it resolved, so each entity is looked up once
// per pass. Misses are not remembered.
type resolver struct {
	target Provider
	log    *slog.Logger
	memo   map[memoKey]Entity
	depth  int
}

func newResolver(target Provider, log *slog.Logger) *resolver {
	return &resolver{target: target, log: log, memo: make(map[memoKey]Entity)}
}

// resolve returns the counterpart of src, creating it when create is set.
// A backend with creation switched off yields a nil counterpart and no error.
func resolve[T Entity](ctx context.Context, r *resolver, src T, create bool, get func() (T, error), build func() (T, error)) (T, error) {
	var zero T
	key := memoKey{kind: src.Kind(), id: src.ID()}
	if e, ok := r.memo[key]; ok {
		return e.(T), nil
	}

	found, err := get()
	if err != nil {
		return zero, fmt.Errorf("failed to get %s counterpart of %q: %w", src.Kind(), src.Name(), err)
	}
	if any(found) != nil {
		if found.SyncID() != src.ID() {
			if err := found.Link(src.ID()); err != nil {
				r.log.Warn("failed to repair counterpart link", "kind", src.Kind().String(), "name", src.Name(), "error", err)
			}
		}
		r.memo[key] = found
		return found, nil
	}
	if !create {
		return zero, nil
	}

	created, err := build()
	if errors.Is(err, ErrCreationDisabled) {
		r.log.Warn("creation disabled, skipping counterpart",
			"kind", src.Kind().String(), "name", src.Name(), "system", r.target.Name(), "reason", err)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("failed to create %s %q in %s: %w", src.Kind(), src.Name(), r.target.Name(), err)
	}
	if any(created) == nil {
		return zero, fmt.Errorf("failed to create %s %q in %s: %w", src.Kind(), src.Name(), r.target.Name(), errNotCreated)
	}

	if err := src.Link(created.ID()); err != nil {
		r.log.Warn("failed to persist link", "kind", src.Kind().String(), "name", src.Name(), "error", err)
	}
	if err := created.Link(src.ID()); err != nil {
		r.log.Warn("failed to persist link", "kind", src.Kind().String(), "name", created.Name(), "error", err)
	}
	r.log.Log(ctx, logging.LevelTrace, "created counterpart",
		"kind", src.Kind().String(), "name", src.Name(), "system", r.target.Name(), "id", created.ID())

	r.memo[key] = created
	return created, nil
}

func (r *resolver) project(ctx context.Context, p Project) (Project, error) {
	return resolve(ctx, r, p, true,
		func() (Project, error) { return r.target.GetProject(ctx, p) },
		func() (Project, error) { return r.target.CreateProject(ctx, p) })
}

func (r *resolver) version(ctx context.Context, v Version) (Version, error) {
	return resolve(ctx, r, v, true,
		func() (Version, error) { return r.target.GetVersion(ctx, v) },
		func() (Version, error) {
			if r.depth >= maxVersionDepth {
				return nil, fmt.Errorf("version ancestry deeper than %d", maxVersionDepth)
			}
			r.depth++
			defer func() { r.depth-- }()

			p, err := v.Project(ctx)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("version %q has no project", v.Name())
			}
			project, err := r.project(ctx, p)
			if err != nil {
				return nil, err
			}
			if project == nil {
				return nil, fmt.Errorf("project %q: %w", p.Name(), ErrCreationDisabled)
			}

			var parent Version
			local, err := v.Parent(ctx)
			if err != nil {
				r.log.Warn("failed to read parent version", "version", v.Name(), "error", err)
			} else if local != nil {
				parent, err = r.version(ctx, local)
				if err != nil {
					r.log.Warn("creating version without its parent", "version", v.Name(), "parent", local.Name(), "error", err)
					parent = nil
				}
			}
			return r.target.CreateVersion(ctx, v, project, parent)
		})
}

func (r *resolver) task(ctx context.Context, t Task, create bool) (Task, error) {
	return resolve(ctx, r, t, create,
		func() (Task, error) { return r.target.GetTask(ctx, t) },
		func() (Task, error) {
			p, err := t.Project(ctx)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("task %q has no project", t.Name())
			}
			project, err := r.project(ctx, p)
			if err != nil {
				return nil, err
			}
			if project == nil {
				return nil, fmt.Errorf("project %q: %w", p.Name(), ErrCreationDisabled)
			}

			var version Version
			local, err := t.Version(ctx)
			if err != nil {
				r.log.Warn("failed to read task version", "task", t.Name(), "error", err)
			} else if local != nil {
				version, err = r.version(ctx, local)
				if err != nil {
					r.log.Warn("creating task in backlog", "task", t.Name(), "version", local.Name(), "error", err)
					version = nil
				}
			}
			return r.target.CreateTask(ctx, t, project, version)
		})
}

func (r *resolver) user(ctx context.Context, u User) (User, error) {
	return resolve(ctx, r, u, true,
		func() (User, error) { return r.target.GetUser(ctx, u) },
		func() (User, error) { return r.target.CreateUser(ctx, u) })
}
