package jira

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/internal/reconcile"
	"github.com/danielolaszy/tether/pkg/models"
)

type project struct {
	*reconcile.Ref
	rec      models.JiraProject
	included bool
}

func (p *Provider) newProject(jp models.JiraProject) (reconcile.Project, error) {
	n, err := parseID(jp.ID)
	if err != nil {
		return nil, err
	}
	ref, err := p.Ref(reconcile.KindProject, n)
	if err != nil {
		return nil, err
	}
	return &project{Ref: ref, rec: jp, included: p.selected(jp.Key)}, nil
}

// selected reports whether a project key passes the configured filter.
func (p *Provider) selected(key string) bool {
	if len(p.opts.Projects) == 0 {
		return true
	}
	for _, k := range p.opts.Projects {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func (p *Provider) projectRecord(ctx context.Context, projectID string) (models.JiraProject, error) {
	if jp, ok := p.projects[projectID]; ok {
		return jp, nil
	}
	if _, err := p.projectVersions(ctx, projectID); err != nil {
		return models.JiraProject{}, err
	}
	return p.projects[projectID], nil
}

func (p *Provider) project(ctx context.Context, projectID string) (reconcile.Project, error) {
	jp, err := p.projectRecord(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.newProject(jp)
}

// projectVersions loads a project and its versions once per cycle.
func (p *Provider) projectVersions(ctx context.Context, projectID string) ([]models.JiraVersion, error) {
	if versions, ok := p.versions[projectID]; ok {
		return versions, nil
	}
	jp, versions, err := p.api.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p.projects[projectID] = jp
	p.versions[projectID] = versions
	return versions, nil
}

func (p *project) Name() string        { return p.rec.Name }
func (p *project) Description() string { return p.rec.Description }
func (p *project) Include() bool       { return p.included }

func (p *project) LastSyncTime() (time.Time, error)   { return p.Watermark() }
func (p *project) SetLastSyncTime(at time.Time) error { return p.SetWatermark(at) }

type version struct {
	*reconcile.Ref
	p        *Provider
	rec      models.JiraVersion
	parentID string
}

// newVersion builds the entity of versions[i]. Its parent is the version
// preceding it in Jira order.
func (p *Provider) newVersion(versions []models.JiraVersion, i int) (reconcile.Version, error) {
	rec := versions[i]
	n, err := parseID(rec.ID)
	if err != nil {
		return nil, err
	}
	ref, err := p.Ref(reconcile.KindVersion, n)
	if err != nil {
		return nil, err
	}
	v := &version{Ref: ref, p: p, rec: rec}
	if i > 0 {
		v.parentID = versions[i-1].ID
	}
	return v, nil
}

func (p *Provider) version(ctx context.Context, versionID string) (reconcile.Version, error) {
	rec, err := p.api.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	projectID := strconv.Itoa(rec.ProjectID)

	for attempt := 0; attempt < 2; attempt++ {
		versions, err := p.projectVersions(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for i := range versions {
			if versions[i].ID == versionID {
				return p.newVersion(versions, i)
			}
		}
		// created after the project was cached
		delete(p.versions, projectID)
	}
	return p.newVersion([]models.JiraVersion{rec}, 0)
}

func (v *version) Name() string        { return v.rec.Name }
func (v *version) Description() string { return v.rec.Description }
func (v *version) Include() bool       { return !v.rec.Released && !v.rec.Archived }

func (v *version) Project(ctx context.Context) (reconcile.Project, error) {
	return v.p.project(ctx, strconv.Itoa(v.rec.ProjectID))
}

func (v *version) Parent(ctx context.Context) (reconcile.Version, error) {
	if v.parentID == "" {
		return nil, nil
	}
	return v.p.version(ctx, v.parentID)
}

type user struct {
	*reconcile.Ref
	rec models.JiraUser
}

func (p *Provider) newUser(u models.JiraUser) (reconcile.User, error) {
	n := userID(u)
	ref, err := p.Ref(reconcile.KindUser, n)
	if err != nil {
		return nil, err
	}
	p.users[n] = u
	return &user{Ref: ref, rec: u}, nil
}

// Name is the user name, or the display name on servers that only expose
// account ids.
func (u *user) Name() string {
	if u.rec.Name != "" {
		return u.rec.Name
	}
	return u.rec.DisplayName
}

func (u *user) Description() string { return u.rec.DisplayName }
func (u *user) Include() bool       { return true }
func (u *user) Email() string       { return u.rec.Email }

type task struct {
	*reconcile.Ref
	p     *Provider
	rec   models.JiraTicket
	state reconcile.State
}

func (p *Provider) newTask(ticket models.JiraTicket) (reconcile.Task, error) {
	n, err := parseID(ticket.ID)
	if err != nil {
		return nil, err
	}
	ref, err := p.Ref(reconcile.KindTask, n)
	if err != nil {
		return nil, err
	}
	return &task{Ref: ref, p: p, rec: ticket, state: p.stateOf(ticket.Status, ticket.StatusCategory)}, nil
}

func (p *Provider) task(ctx context.Context, issueID string) (reconcile.Task, error) {
	if err := p.loadPriorities(ctx); err != nil {
		return nil, err
	}
	ticket, err := p.api.Issue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return p.newTask(ticket)
}

func (t *task) Name() string           { return t.rec.Title }
func (t *task) Description() string    { return t.rec.Description }
func (t *task) State() reconcile.State { return t.state }
func (t *task) Priority() int          { return t.p.priorityOf(t.rec.PriorityID) }
func (t *task) AcceptsURL() bool       { return false }

func (t *task) IsFeature() bool {
	return t.p.opts.FeatureType != "" && strings.EqualFold(t.rec.Type, t.p.opts.FeatureType)
}

// URL is the issue's browse page when URL publishing is enabled.
func (t *task) URL() string {
	if !t.p.opts.UpdateURL {
		return ""
	}
	return t.p.api.BaseURL() + "/browse/" + t.rec.Key
}

// Include skips unlinked sub-tasks and issues whose last update is the one
// this engine wrote.
func (t *task) Include() bool {
	if t.rec.Subtask && t.SyncID() == 0 {
		return false
	}
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
	return t.p.project(ctx, t.rec.ProjectID)
}

func (t *task) Version(ctx context.Context) (reconcile.Version, error) {
	if len(t.rec.FixVersions) == 0 {
		return nil, nil
	}
	v, err := t.p.version(ctx, t.rec.FixVersions[0])
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Parent is the parent issue of a sub-task.
func (t *task) Parent(ctx context.Context) (reconcile.Task, error) {
	if t.rec.ParentID == "" {
		return nil, nil
	}
	return t.p.task(ctx, t.rec.ParentID)
}

func (t *task) Owner(ctx context.Context) (reconcile.User, error) {
	if t.rec.Assignee == nil {
		return nil, nil
	}
	return t.p.newUser(*t.rec.Assignee)
}

func (t *task) update(ctx context.Context, fields map[string]interface{}) error {
	return t.p.api.UpdateIssue(ctx, t.rec.Key, fields)
}

func (t *task) SetName(ctx context.Context, name string) error {
	if err := t.update(ctx, map[string]interface{}{"summary": name}); err != nil {
		return err
	}
	t.rec.Title = name
	return nil
}

func (t *task) SetDescription(ctx context.Context, description string) error {
	if err := t.update(ctx, map[string]interface{}{"description": description}); err != nil {
		return err
	}
	t.rec.Description = description
	return nil
}

// SetState runs the workflow transition reaching state. Rejected falls back
// to Closed and Completed to Open when the workflow has no such transition.
func (t *task) SetState(ctx context.Context, state reconcile.State) error {
	transitions, err := t.p.api.Transitions(ctx, t.rec.Key)
	if err != nil {
		return err
	}

	target := state
	for {
		if target != state && target == t.state {
			return fmt.Errorf("%w: %s has no transition to %s", reconcile.ErrUnsupported, t.rec.Key, state)
		}
		if tr, ok := t.p.pickTransition(transitions, target); ok {
			if err := t.p.api.DoTransition(ctx, t.rec.Key, tr.ID); err != nil {
				return err
			}
			t.rec.Status = tr.ToStatus
			t.rec.StatusCategory = tr.ToCategory
			t.state = t.p.stateOf(tr.ToStatus, tr.ToCategory)
			return nil
		}

		switch target {
		case reconcile.StateRejected:
			target = reconcile.StateClosed
		case reconcile.StateCompleted:
			target = reconcile.StateOpen
		default:
			return fmt.Errorf("no transition of %s reaches state %s", t.rec.Key, state)
		}
		t.p.log.Log(ctx, logging.LevelTrace, "no transition for state, falling back",
			"task", t.rec.Title, "state", state.String(), "fallback", target.String())
	}
}

// SetProject moves the issue by recreating it in the target project and
// deleting the original. The entity takes the new issue's id and keeps its
// counterpart.
func (t *task) SetProject(ctx context.Context, target reconcile.Project) error {
	jp, err := t.p.projectRecord(ctx, id(target.ID()))
	if err != nil {
		return err
	}

	created, err := t.p.api.CreateIssue(ctx, IssueSpec{
		ProjectKey:  jp.Key,
		Type:        t.rec.Type,
		Summary:     t.rec.Title,
		Description: t.rec.Description,
		PriorityID:  t.rec.PriorityID,
		Assignee:    t.rec.Assignee,
	})
	if err != nil {
		return err
	}
	n, err := parseID(created.ID)
	if err != nil {
		return err
	}
	if err := t.Rekey(n); err != nil {
		return err
	}

	old, state := t.rec.Key, t.state
	t.rec = created
	t.state = t.p.stateOf(created.Status, created.StatusCategory)

	if err := t.p.api.DeleteIssue(ctx, old); err != nil {
		t.p.log.Warn("failed to delete moved issue", "issue", old, "moved_to", created.Key, "error", err)
	}
	if state != t.state {
		if err := t.SetState(ctx, state); err != nil && !errors.Is(err, reconcile.ErrUnsupported) {
			t.p.log.Warn("failed to restore state of moved issue", "issue", created.Key, "error", err)
		}
	}
	return nil
}

// SetVersion replaces the fix versions with version, or clears them.
func (t *task) SetVersion(ctx context.Context, v reconcile.Version) error {
	versions := []map[string]string{}
	if v != nil {
		versions = append(versions, map[string]string{"id": id(v.ID())})
	}
	if err := t.update(ctx, map[string]interface{}{"fixVersions": versions}); err != nil {
		return err
	}
	t.rec.FixVersions = nil
	if v != nil {
		t.rec.FixVersions = []string{id(v.ID())}
	}
	return nil
}

// SetParent is not supported: sub-tasks cannot be re-parented through the API.
func (t *task) SetParent(ctx context.Context, parent reconcile.Task) error {
	return reconcile.ErrUnsupported
}

func (t *task) SetOwner(ctx context.Context, owner reconcile.User) error {
	var assignee *models.JiraUser
	if owner != nil {
		u, ok := t.p.users[owner.ID()]
		if !ok {
			return fmt.Errorf("unknown jira user %q", owner.Name())
		}
		assignee = &u
	}

	var value interface{}
	switch {
	case assignee == nil:
		value = nil
	case assignee.AccountID != "":
		value = map[string]string{"accountId": assignee.AccountID}
	default:
		value = map[string]string{"name": assignee.Name}
	}
	if err := t.update(ctx, map[string]interface{}{"assignee": value}); err != nil {
		return err
	}
	t.rec.Assignee = assignee
	return nil
}

func (t *task) SetPriority(ctx context.Context, priority int) error {
	priorityID := t.p.priorityID(priority)
	if priorityID == "" {
		return fmt.Errorf("%w: no priority scheme", reconcile.ErrUnsupported)
	}
	if err := t.update(ctx, map[string]interface{}{"priority": map[string]string{"id": priorityID}}); err != nil {
		return err
	}
	t.rec.PriorityID = priorityID
	return nil
}

func (t *task) SetURL(ctx context.Context, url string) error {
	return reconcile.ErrUnsupported
}

func (t *task) StateNeedsUpdating(state reconcile.State) bool {
	return t.state != state
}

func (t *task) PriorityNeedsUpdating(priority int) bool {
	return reconcile.PriorityNeedsUpdating(t.Priority(), priority, len(t.p.priorities))
}

// OnSyncComplete records the issue's update time so the changes just written
// are not picked up as foreign edits.
func (t *task) OnSyncComplete(ctx context.Context) error {
	ticket, err := t.p.api.Issue(ctx, t.rec.Key)
	if err != nil {
		return err
	}
	t.rec = ticket
	t.state = t.p.stateOf(ticket.Status, ticket.StatusCategory)
	return t.SetWatermark(ticket.Updated)
}
