package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielolaszy/tether/internal/reconcile"
	"github.com/danielolaszy/tether/pkg/models"
)

type project struct {
	*reconcile.Ref
	rec models.GitHubRepository
}

func (p *Provider) newProject(repo models.GitHubRepository) (reconcile.Project, error) {
	ref, err := p.Ref(reconcile.KindProject, repo.ID)
	if err != nil {
		return nil, err
	}
	p.repos[repo.ID] = repo
	return &project{Ref: ref, rec: repo}, nil
}

func (p *Provider) repo(ctx context.Context, repoID int64) (models.GitHubRepository, error) {
	if repo, ok := p.repos[repoID]; ok {
		return repo, nil
	}
	repo, err := p.api.RepositoryByID(ctx, repoID)
	if err != nil {
		return models.GitHubRepository{}, err
	}
	p.repos[repoID] = repo
	return repo, nil
}

// repoMilestones loads the milestones of a repository once per cycle.
func (p *Provider) repoMilestones(ctx context.Context, repo models.GitHubRepository) ([]models.GitHubMilestone, error) {
	if milestones, ok := p.milestones[repo.ID]; ok {
		return milestones, nil
	}
	milestones, err := p.api.Milestones(ctx, repo.FullName())
	if err != nil {
		return nil, err
	}
	p.milestones[repo.ID] = milestones
	return milestones, nil
}

func (p *project) Name() string        { return p.rec.Name }
func (p *project) Description() string { return p.rec.Description }
func (p *project) Include() bool       { return !p.rec.Archived }

func (p *project) LastSyncTime() (time.Time, error)   { return p.Watermark() }
func (p *project) SetLastSyncTime(at time.Time) error { return p.SetWatermark(at) }

type version struct {
	*reconcile.Ref
	p      *Provider
	repo   models.GitHubRepository
	rec    models.GitHubMilestone
	parent int
}

// newVersion builds the entity of milestones[i]. Its parent is the
// milestone with the next lower number.
func (p *Provider) newVersion(repo models.GitHubRepository, milestones []models.GitHubMilestone, i int) (reconcile.Version, error) {
	rec := milestones[i]
	ref, err := p.Ref(reconcile.KindVersion, packID(repo.ID, rec.Number))
	if err != nil {
		return nil, err
	}
	v := &version{Ref: ref, p: p, repo: repo, rec: rec}
	if i > 0 {
		v.parent = milestones[i-1].Number
	}
	return v, nil
}

func (p *Provider) version(ctx context.Context, repoID int64, number int) (reconcile.Version, error) {
	repo, err := p.repo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		milestones, err := p.repoMilestones(ctx, repo)
		if err != nil {
			return nil, err
		}
		for i := range milestones {
			if milestones[i].Number == number {
				return p.newVersion(repo, milestones, i)
			}
		}
		delete(p.milestones, repoID)
	}
	return nil, fmt.Errorf("milestone %d of %s: %w", number, repo.FullName(), ErrNotFound)
}

func (v *version) Name() string        { return v.rec.Title }
func (v *version) Description() string { return v.rec.Description }
func (v *version) Include() bool       { return v.rec.State == "open" }

func (v *version) Project(ctx context.Context) (reconcile.Project, error) {
	return v.p.newProject(v.repo)
}

func (v *version) Parent(ctx context.Context) (reconcile.Version, error) {
	if v.parent == 0 {
		return nil, nil
	}
	return v.p.version(ctx, v.repo.ID, v.parent)
}

type user struct {
	*reconcile.Ref
	rec models.GitHubUser
}

func (p *Provider) newUser(u models.GitHubUser) (reconcile.User, error) {
	ref, err := p.Ref(reconcile.KindUser, u.ID)
	if err != nil {
		return nil, err
	}
	p.users[u.ID] = u
	return &user{Ref: ref, rec: u}, nil
}

func (p *Provider) userByLogin(ctx context.Context, login string) (models.GitHubUser, error) {
	for _, u := range p.users {
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
	}
	return p.api.User(ctx, login)
}

// Name is the login; the user map pairs it with the other system.
func (u *user) Name() string        { return u.rec.Login }
func (u *user) Description() string { return u.rec.Name }
func (u *user) Include() bool       { return true }
func (u *user) Email() string       { return u.rec.Email }

type task struct {
	*reconcile.Ref
	p    *Provider
	repo models.GitHubRepository
	rec  models.GitHubIssue
	body body
}

func (p *Provider) newTask(repo models.GitHubRepository, issue models.GitHubIssue) (reconcile.Task, error) {
	ref, err := p.Ref(reconcile.KindTask, packID(repo.ID, issue.Number))
	if err != nil {
		return nil, err
	}
	t := &task{Ref: ref, p: p, repo: repo}
	t.set(issue)
	return t, nil
}

func (p *Provider) task(ctx context.Context, repoID int64, number int) (reconcile.Task, error) {
	repo, err := p.repo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	issue, err := p.api.Issue(ctx, repo.FullName(), number)
	if err != nil {
		return nil, err
	}
	return p.newTask(repo, issue)
}

// featureIndex maps the issues of a repository onto the feature whose
// "## Issues" section lists them.
func (p *Provider) featureIndex(ctx context.Context, repo models.GitHubRepository) (map[int]int, error) {
	if idx, ok := p.parents[repo.ID]; ok {
		return idx, nil
	}
	features, err := p.api.Issues(ctx, repo.FullName(), time.Time{}, featureLabel)
	if err != nil {
		return nil, err
	}
	idx := make(map[int]int)
	for _, f := range features {
		for _, child := range parseBody(f.Description, true).childIssues(p.api.Domain(), repo.FullName()) {
			idx[child] = f.Number
		}
	}
	p.parents[repo.ID] = idx
	return idx, nil
}

func (t *task) set(issue models.GitHubIssue) {
	t.rec = issue
	t.body = parseBody(issue.Description, issue.HasLabel(featureLabel))
}

func (t *task) Name() string        { return t.rec.Title }
func (t *task) Description() string { return t.body.text }
func (t *task) IsFeature() bool     { return t.rec.HasLabel(featureLabel) }
func (t *task) Priority() int       { return t.p.priorityOf(t.rec.Labels) }
func (t *task) AcceptsURL() bool    { return t.p.opts.AcceptURLs }

// State derives the state from the issue state and the completed and
// rejected labels.
func (t *task) State() reconcile.State {
	if t.rec.State == "closed" {
		if t.rec.HasLabel(rejectedLabel) {
			return reconcile.StateRejected
		}
		return reconcile.StateClosed
	}
	if t.rec.HasLabel(completedLabel) {
		return reconcile.StateCompleted
	}
	return reconcile.StateOpen
}

// URL is the counterpart URL stored in the body.
func (t *task) URL() string {
	if !t.p.opts.AcceptURLs {
		return ""
	}
	return t.body.url
}

// Include applies the label filter to unlinked issues and skips issues
// whose last update is the one this engine wrote.
func (t *task) Include() bool {
	if t.SyncID() == 0 && t.p.opts.Label != "" && !t.rec.HasLabel(t.p.opts.Label) {
		return false
	}
	if !reconcile.DefaultTaskInclude(t) {
		return false
	}
	mark, err := t.Watermark()
	if err != nil || mark.IsZero() {
		return true
	}
	return t.rec.UpdatedAt.After(mark)
}

func (t *task) Project(ctx context.Context) (reconcile.Project, error) {
	return t.p.newProject(t.repo)
}

func (t *task) Version(ctx context.Context) (reconcile.Version, error) {
	if t.rec.Milestone == 0 {
		return nil, nil
	}
	v, err := t.p.version(ctx, t.repo.ID, t.rec.Milestone)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Parent is the feature listing the issue in its "## Issues" section.
func (t *task) Parent(ctx context.Context) (reconcile.Task, error) {
	idx, err := t.p.featureIndex(ctx, t.repo)
	if err != nil {
		return nil, err
	}
	number, ok := idx[t.rec.Number]
	if !ok {
		return nil, nil
	}
	parent, err := t.p.task(ctx, t.repo.ID, number)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return parent, err
}

func (t *task) Owner(ctx context.Context) (reconcile.User, error) {
	if t.rec.Assignee == "" {
		return nil, nil
	}
	u, err := t.p.userByLogin(ctx, t.rec.Assignee)
	if err != nil {
		return nil, err
	}
	return t.p.newUser(u)
}

func (t *task) edit(ctx context.Context, edit IssueEdit) error {
	issue, err := t.p.api.EditIssue(ctx, t.repo.FullName(), t.rec.Number, edit)
	if err != nil {
		return err
	}
	t.set(issue)
	return nil
}

func (t *task) SetName(ctx context.Context, name string) error {
	return t.edit(ctx, IssueEdit{Title: &name})
}

// SetDescription replaces the written text, keeping the managed parts.
func (t *task) SetDescription(ctx context.Context, description string) error {
	b := t.body
	b.text = strings.TrimSpace(description)
	raw := b.render()
	return t.edit(ctx, IssueEdit{Body: &raw})
}

func (t *task) SetState(ctx context.Context, state reconcile.State) error {
	labels := withoutLabels(t.rec.Labels, func(l string) bool {
		return strings.EqualFold(l, completedLabel) || strings.EqualFold(l, rejectedLabel)
	})

	var issueState string
	switch state {
	case reconcile.StateOpen:
		issueState = "open"
	case reconcile.StateCompleted:
		issueState = "open"
		labels = append(labels, completedLabel)
	case reconcile.StateClosed:
		issueState = "closed"
	case reconcile.StateRejected:
		issueState = "closed"
		labels = append(labels, rejectedLabel)
	default:
		return fmt.Errorf("%w: state %s", reconcile.ErrUnsupported, state)
	}
	return t.edit(ctx, IssueEdit{State: &issueState, Labels: &labels})
}

// SetProject is not supported: the API cannot move issues between
// repositories.
func (t *task) SetProject(ctx context.Context, target reconcile.Project) error {
	return fmt.Errorf("%w: issues cannot move between repositories", reconcile.ErrUnsupported)
}

func (t *task) SetVersion(ctx context.Context, v reconcile.Version) error {
	if v == nil {
		issue, err := t.p.api.ClearMilestone(ctx, t.repo.FullName(), t.rec.Number)
		if err != nil {
			return err
		}
		t.set(issue)
		return nil
	}
	repoID, number := unpackID(v.ID())
	if repoID != t.repo.ID {
		return fmt.Errorf("milestone %q belongs to another repository", v.Name())
	}
	return t.edit(ctx, IssueEdit{Milestone: &number})
}

// SetParent moves the issue's link from the "## Issues" section of its
// current feature to the one of parent.
func (t *task) SetParent(ctx context.Context, parent reconcile.Task) error {
	target := 0
	if parent != nil {
		repoID, number := unpackID(parent.ID())
		if repoID != t.repo.ID {
			return fmt.Errorf("%w: parent %q is in another repository", reconcile.ErrUnsupported, parent.Name())
		}
		target = number
	}

	idx, err := t.p.featureIndex(ctx, t.repo)
	if err != nil {
		return err
	}
	domain, repository := t.p.api.Domain(), t.repo.FullName()

	if current, ok := idx[t.rec.Number]; ok && current != target {
		if err := t.p.editFeature(ctx, t.repo, current, func(b body) body {
			return b.withoutChild(domain, repository, t.rec.Number)
		}); err != nil {
			return err
		}
		delete(idx, t.rec.Number)
	}
	if target != 0 {
		if err := t.p.editFeature(ctx, t.repo, target, func(b body) body {
			return b.withChild(domain, repository, t.rec.Number)
		}); err != nil {
			return err
		}
		idx[t.rec.Number] = target
	}
	return nil
}

// editFeature rewrites the managed section of a feature's body.
func (p *Provider) editFeature(ctx context.Context, repo models.GitHubRepository, number int, change func(body) body) error {
	feature, err := p.api.Issue(ctx, repo.FullName(), number)
	if err != nil {
		return err
	}
	raw := change(parseBody(feature.Description, true)).render()
	if raw == feature.Description {
		return nil
	}
	_, err = p.api.EditIssue(ctx, repo.FullName(), number, IssueEdit{Body: &raw})
	return err
}

func (t *task) SetOwner(ctx context.Context, owner reconcile.User) error {
	assignees := []string{}
	if owner != nil {
		u, ok := t.p.users[owner.ID()]
		if !ok {
			return fmt.Errorf("unknown github user %q", owner.Name())
		}
		assignees = append(assignees, u.Login)
	}
	return t.edit(ctx, IssueEdit{Assignees: &assignees})
}

func (t *task) SetPriority(ctx context.Context, priority int) error {
	labels := withoutLabels(t.rec.Labels, priorityPattern.MatchString)
	labels = append(labels, t.p.priorityLabel(priority))
	return t.edit(ctx, IssueEdit{Labels: &labels})
}

// SetURL stores url in the hidden body marker.
func (t *task) SetURL(ctx context.Context, url string) error {
	if !t.p.opts.AcceptURLs {
		return reconcile.ErrUnsupported
	}
	b := t.body
	b.url = url
	raw := b.render()
	return t.edit(ctx, IssueEdit{Body: &raw})
}

func (t *task) StateNeedsUpdating(state reconcile.State) bool {
	return t.State() != state
}

func (t *task) PriorityNeedsUpdating(priority int) bool {
	return reconcile.PriorityNeedsUpdating(t.Priority(), priority, t.p.opts.PriorityLevels)
}

// OnSyncComplete records the issue's update time so the changes just written
// are not picked up as foreign edits.
func (t *task) OnSyncComplete(ctx context.Context) error {
	issue, err := t.p.api.Issue(ctx, t.repo.FullName(), t.rec.Number)
	if err != nil {
		return err
	}
	t.set(issue)
	return t.SetWatermark(issue.UpdatedAt)
}

func withoutLabels(labels []string, drop func(string) bool) []string {
	result := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if !drop(l) {
			result = append(result, l)
		}
	}
	return result
}
