package github

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/tether/internal/identity"
	"github.com/danielolaszy/tether/internal/reconcile"
	"github.com/danielolaszy/tether/pkg/models"
)

// fakeAPI is an in-memory GitHub.
type fakeAPI struct {
	next       int64
	now        time.Time
	self       models.GitHubUser
	repos      []models.GitHubRepository
	milestones map[string][]models.GitHubMilestone
	issues     map[string][]*models.GitHubIssue
	users      []models.GitHubUser

	edits    []string
	lastOrg  string
	failNext error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		next:       500,
		now:        time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		self:       models.GitHubUser{ID: 1, Login: "octocat"},
		milestones: make(map[string][]models.GitHubMilestone),
		issues:     make(map[string][]*models.GitHubIssue),
	}
}

func (f *fakeAPI) newID() int64 {
	f.next++
	return f.next
}

func (f *fakeAPI) tick() time.Time {
	f.now = f.now.Add(time.Minute)
	return f.now
}

func (f *fakeAPI) fail() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeAPI) addRepo(owner, name string) models.GitHubRepository {
	r := models.GitHubRepository{ID: f.newID(), Owner: owner, Name: name}
	f.repos = append(f.repos, r)
	return r
}

func (f *fakeAPI) addMilestone(repo models.GitHubRepository, title, state string) models.GitHubMilestone {
	m := models.GitHubMilestone{
		ID:         f.newID(),
		Number:     len(f.milestones[repo.FullName()]) + 1,
		Repository: repo.FullName(),
		Title:      title,
		State:      state,
	}
	f.milestones[repo.FullName()] = append(f.milestones[repo.FullName()], m)
	return m
}

func (f *fakeAPI) addIssue(repo models.GitHubRepository, title string, labels ...string) *models.GitHubIssue {
	issue := &models.GitHubIssue{
		ID:         f.newID(),
		Number:     len(f.issues[repo.FullName()]) + 1,
		Repository: repo.FullName(),
		Title:      title,
		State:      "open",
		Labels:     labels,
		UpdatedAt:  f.tick(),
	}
	f.issues[repo.FullName()] = append(f.issues[repo.FullName()], issue)
	return issue
}

func (f *fakeAPI) find(repository string, number int) (*models.GitHubIssue, error) {
	for _, issue := range f.issues[repository] {
		if issue.Number == number {
			return issue, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeAPI) Domain() string { return "github.com" }

func (f *fakeAPI) CurrentUser(ctx context.Context) (models.GitHubUser, error) { return f.self, nil }

func (f *fakeAPI) User(ctx context.Context, login string) (models.GitHubUser, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.Login, login) {
			return u, nil
		}
	}
	return models.GitHubUser{}, ErrNotFound
}

func (f *fakeAPI) UserByID(ctx context.Context, id int64) (models.GitHubUser, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.GitHubUser{}, ErrNotFound
}

func (f *fakeAPI) Repositories(ctx context.Context, owner string) ([]models.GitHubRepository, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	var result []models.GitHubRepository
	for _, r := range f.repos {
		if strings.EqualFold(r.Owner, owner) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (f *fakeAPI) Repository(ctx context.Context, repository string) (models.GitHubRepository, error) {
	for _, r := range f.repos {
		if strings.EqualFold(r.FullName(), repository) {
			return r, nil
		}
	}
	return models.GitHubRepository{}, ErrNotFound
}

func (f *fakeAPI) RepositoryByID(ctx context.Context, id int64) (models.GitHubRepository, error) {
	for _, r := range f.repos {
		if r.ID == id {
			return r, nil
		}
	}
	return models.GitHubRepository{}, ErrNotFound
}

func (f *fakeAPI) CreateRepository(ctx context.Context, org, name, description string) (models.GitHubRepository, error) {
	f.lastOrg = org
	owner := org
	if owner == "" {
		owner = f.self.Login
	}
	r := f.addRepo(owner, name)
	r.Description = description
	f.repos[len(f.repos)-1] = r
	return r, nil
}

func (f *fakeAPI) Milestones(ctx context.Context, repository string) ([]models.GitHubMilestone, error) {
	milestones := append([]models.GitHubMilestone(nil), f.milestones[repository]...)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].Number < milestones[j].Number })
	return milestones, nil
}

func (f *fakeAPI) CreateMilestone(ctx context.Context, repository, title, description string) (models.GitHubMilestone, error) {
	for _, r := range f.repos {
		if r.FullName() == repository {
			m := f.addMilestone(r, title, "open")
			return m, nil
		}
	}
	return models.GitHubMilestone{}, ErrNotFound
}

func (f *fakeAPI) Issues(ctx context.Context, repository string, since time.Time, labels ...string) ([]models.GitHubIssue, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	var result []models.GitHubIssue
	for _, issue := range f.issues[repository] {
		if !since.IsZero() && issue.UpdatedAt.Before(since) {
			continue
		}
		matches := true
		for _, l := range labels {
			matches = matches && issue.HasLabel(l)
		}
		if matches {
			result = append(result, *issue)
		}
	}
	return result, nil
}

func (f *fakeAPI) FindIssues(ctx context.Context, repository, title string) ([]models.GitHubIssue, error) {
	var result []models.GitHubIssue
	for _, issue := range f.issues[repository] {
		if strings.Contains(strings.ToLower(issue.Title), strings.ToLower(title)) {
			result = append(result, *issue)
		}
	}
	return result, nil
}

func (f *fakeAPI) Issue(ctx context.Context, repository string, number int) (models.GitHubIssue, error) {
	issue, err := f.find(repository, number)
	if err != nil {
		return models.GitHubIssue{}, err
	}
	return *issue, nil
}

func (f *fakeAPI) CreateIssue(ctx context.Context, repository string, spec IssueSpec) (models.GitHubIssue, error) {
	for _, r := range f.repos {
		if r.FullName() == repository {
			issue := f.addIssue(r, spec.Title, spec.Labels...)
			issue.Description = spec.Body
			issue.Milestone = spec.Milestone
			issue.Assignee = spec.Assignee
			return *issue, nil
		}
	}
	return models.GitHubIssue{}, ErrNotFound
}

func (f *fakeAPI) EditIssue(ctx context.Context, repository string, number int, edit IssueEdit) (models.GitHubIssue, error) {
	if err := f.fail(); err != nil {
		return models.GitHubIssue{}, err
	}
	issue, err := f.find(repository, number)
	if err != nil {
		return models.GitHubIssue{}, err
	}
	var fields []string
	if edit.Title != nil {
		issue.Title = *edit.Title
		fields = append(fields, "title")
	}
	if edit.Body != nil {
		issue.Description = *edit.Body
		fields = append(fields, "body")
	}
	if edit.State != nil {
		issue.State = *edit.State
		fields = append(fields, "state")
	}
	if edit.Labels != nil {
		issue.Labels = append([]string(nil), (*edit.Labels)...)
		fields = append(fields, "labels")
	}
	if edit.Milestone != nil {
		issue.Milestone = *edit.Milestone
		fields = append(fields, "milestone")
	}
	if edit.Assignees != nil {
		issue.Assignee = ""
		if len(*edit.Assignees) > 0 {
			issue.Assignee = (*edit.Assignees)[0]
		}
		fields = append(fields, "assignees")
	}
	issue.UpdatedAt = f.tick()
	f.edits = append(f.edits, fmt.Sprintf("%s#%d:%s", repository, number, strings.Join(fields, ",")))
	return *issue, nil
}

func (f *fakeAPI) ClearMilestone(ctx context.Context, repository string, number int) (models.GitHubIssue, error) {
	issue, err := f.find(repository, number)
	if err != nil {
		return models.GitHubIssue{}, err
	}
	issue.Milestone = 0
	issue.UpdatedAt = f.tick()
	f.edits = append(f.edits, fmt.Sprintf("%s#%d:milestone", repository, number))
	return *issue, nil
}

// foreign stands in for an entity of the paired system.
type foreign struct {
	kind     reconcile.Kind
	id       int64
	syncID   int64
	name     string
	email    string
	feature  bool
	priority int
}

func (f *foreign) Kind() reconcile.Kind    { return f.kind }
func (f *foreign) ID() int64               { return f.id }
func (f *foreign) SyncID() int64           { return f.syncID }
func (f *foreign) Link(remote int64) error { f.syncID = remote; return nil }
func (f *foreign) Name() string            { return f.name }
func (f *foreign) Description() string     { return "about " + f.name }
func (f *foreign) Include() bool           { return true }
func (f *foreign) Email() string           { return f.email }

func (f *foreign) LastSyncTime() (time.Time, error)   { return time.Time{}, nil }
func (f *foreign) SetLastSyncTime(at time.Time) error { return nil }

type foreignVersion struct{ *foreign }

func (v foreignVersion) Project(ctx context.Context) (reconcile.Project, error) { return nil, nil }
func (v foreignVersion) Parent(ctx context.Context) (reconcile.Version, error)  { return nil, nil }

type foreignTask struct{ *foreign }

func (t foreignTask) IsFeature() bool        { return t.feature }
func (t foreignTask) Priority() int          { return t.priority }
func (t foreignTask) State() reconcile.State { return reconcile.StateOpen }
func (t foreignTask) URL() string            { return "" }
func (t foreignTask) AcceptsURL() bool       { return false }

func (t foreignTask) Project(ctx context.Context) (reconcile.Project, error) { return nil, nil }
func (t foreignTask) Version(ctx context.Context) (reconcile.Version, error) { return nil, nil }
func (t foreignTask) Parent(ctx context.Context) (reconcile.Task, error)     { return nil, nil }
func (t foreignTask) Owner(ctx context.Context) (reconcile.User, error)      { return nil, nil }

func (t foreignTask) SetName(ctx context.Context, name string) error               { return nil }
func (t foreignTask) SetDescription(ctx context.Context, description string) error { return nil }
func (t foreignTask) SetState(ctx context.Context, state reconcile.State) error    { return nil }
func (t foreignTask) SetProject(ctx context.Context, p reconcile.Project) error    { return nil }
func (t foreignTask) SetVersion(ctx context.Context, v reconcile.Version) error    { return nil }
func (t foreignTask) SetParent(ctx context.Context, p reconcile.Task) error        { return nil }
func (t foreignTask) SetOwner(ctx context.Context, u reconcile.User) error         { return nil }
func (t foreignTask) SetPriority(ctx context.Context, priority int) error          { return nil }
func (t foreignTask) SetURL(ctx context.Context, url string) error                 { return nil }

func (t foreignTask) StateNeedsUpdating(state reconcile.State) bool { return false }
func (t foreignTask) PriorityNeedsUpdating(priority int) bool       { return false }
func (t foreignTask) OnSyncComplete(ctx context.Context) error      { return nil }

func newTestProvider(t *testing.T, api *fakeAPI, opts Options) *Provider {
	t.Helper()
	links := reconcile.NewLinks(identity.NewMemory(), SystemName, "jira")
	return NewProvider(api, links, opts, nil)
}

func defaultOptions() Options {
	return Options{
		Owner:          "acme",
		PriorityLevels: 5,
		AcceptURLs:     true,
		CreateIssues:   true,
	}
}

func taskOf(t *testing.T, p *Provider, repo models.GitHubRepository, issue *models.GitHubIssue) *task {
	t.Helper()
	entity, err := p.newTask(repo, *issue)
	require.NoError(t, err)
	return entity.(*task)
}

func TestPackID(t *testing.T) {
	testCases := []struct {
		name   string
		repoID int64
		number int
	}{
		{name: "Small", repoID: 1, number: 1},
		{name: "Large repository id", repoID: 987654321, number: 4242},
		{name: "Largest number", repoID: 77, number: numberMask},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id := packID(tc.repoID, tc.number)
			assert.Greater(t, id, int64(0))
			repoID, number := unpackID(id)
			assert.Equal(t, tc.repoID, repoID)
			assert.Equal(t, tc.number, number)
		})
	}
}

func TestRepositoryName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Simple", input: "Web", expected: "web"},
		{name: "Spaces", input: "Web Shop 2", expected: "web-shop-2"},
		{name: "Punctuation runs", input: "API -- Gateway!", expected: "api-gateway"},
		{name: "Dots kept", input: "tether.io", expected: "tether.io"},
		{name: "Nothing usable", input: "***", expected: "tether"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, RepositoryName(tc.input))
		})
	}
}

func TestListProjects(t *testing.T) {
	api := newFakeAPI()
	api.addRepo("acme", "web")
	archived := api.addRepo("acme", "legacy")
	archived.Archived = true
	api.repos[1] = archived
	api.addRepo("other", "tools")

	p := newTestProvider(t, api, defaultOptions())
	projects := p.ListProjects(context.Background())
	require.Len(t, projects, 2)
	assert.Equal(t, "web", projects[0].Name())
	assert.True(t, projects[0].Include())
	assert.False(t, projects[1].Include())
}

func TestListProjectsConfiguredRepositories(t *testing.T) {
	api := newFakeAPI()
	api.addRepo("acme", "web")
	api.addRepo("other", "tools")
	api.addRepo("acme", "api")

	opts := defaultOptions()
	opts.Repositories = []string{"api", "other/tools", "missing"}
	p := newTestProvider(t, api, opts)

	projects := p.ListProjects(context.Background())
	require.Len(t, projects, 2)
	assert.Equal(t, "api", projects[0].Name())
	assert.Equal(t, "tools", projects[1].Name())
}

func TestListProjectsFailsSoft(t *testing.T) {
	api := newFakeAPI()
	api.failNext = errors.New("boom")
	p := newTestProvider(t, api, defaultOptions())
	assert.Empty(t, p.ListProjects(context.Background()))
}

func TestListVersionsParents(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	api.addMilestone(repo, "1.0", "closed")
	api.addMilestone(repo, "1.1", "open")

	p := newTestProvider(t, api, defaultOptions())
	project, err := p.newProject(repo)
	require.NoError(t, err)

	versions, err := p.ListVersions(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].Include())
	assert.True(t, versions[1].Include())
	assert.Equal(t, packID(repo.ID, 2), versions[1].ID())

	parent, err := versions[1].Parent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "1.0", parent.Name())

	none, err := versions[0].Parent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRecentTasksFiltersExactly(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	old := api.addIssue(repo, "old")
	api.addIssue(repo, "new")

	p := newTestProvider(t, api, defaultOptions())
	project, err := p.newProject(repo)
	require.NoError(t, err)

	all, err := p.RecentTasks(context.Background(), project, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	recent, err := p.RecentTasks(context.Background(), project, old.UpdatedAt)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Name())
}

func TestTaskState(t *testing.T) {
	testCases := []struct {
		name     string
		state    string
		labels   []string
		expected reconcile.State
	}{
		{name: "Open", state: "open", expected: reconcile.StateOpen},
		{name: "Completed", state: "open", labels: []string{"Completed"}, expected: reconcile.StateCompleted},
		{name: "Closed", state: "closed", expected: reconcile.StateClosed},
		{name: "Rejected", state: "closed", labels: []string{"rejected"}, expected: reconcile.StateRejected},
		{name: "Rejected label on open issue", state: "open", labels: []string{"rejected"}, expected: reconcile.StateOpen},
	}

	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	p := newTestProvider(t, api, defaultOptions())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			issue := api.addIssue(repo, tc.name, tc.labels...)
			issue.State = tc.state
			assert.Equal(t, tc.expected, taskOf(t, p, repo, issue).State())
		})
	}
}

func TestSetState(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	issue := api.addIssue(repo, "bug", "bug", "completed")
	p := newTestProvider(t, api, defaultOptions())
	task := taskOf(t, p, repo, issue)
	ctx := context.Background()

	require.NoError(t, task.SetState(ctx, reconcile.StateRejected))
	assert.Equal(t, "closed", issue.State)
	assert.ElementsMatch(t, []string{"bug", "rejected"}, issue.Labels)
	assert.Equal(t, reconcile.StateRejected, task.State())

	require.NoError(t, task.SetState(ctx, reconcile.StateOpen))
	assert.Equal(t, "open", issue.State)
	assert.Equal(t, []string{"bug"}, issue.Labels)
	assert.False(t, task.StateNeedsUpdating(reconcile.StateOpen))
	assert.True(t, task.StateNeedsUpdating(reconcile.StateCompleted))
}

func TestPriority(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	opts := defaultOptions()
	opts.PriorityLevels = 3
	p := newTestProvider(t, api, opts)
	ctx := context.Background()

	unlabelled := taskOf(t, p, repo, api.addIssue(repo, "plain"))
	assert.Equal(t, 3, unlabelled.Priority())

	issue := api.addIssue(repo, "urgent", "priority: 1", "bug")
	task := taskOf(t, p, repo, issue)
	assert.Equal(t, 1, task.Priority())

	require.NoError(t, task.SetPriority(ctx, 7))
	assert.ElementsMatch(t, []string{"bug", "priority: 3"}, issue.Labels)
	assert.Equal(t, 3, task.Priority())
	assert.False(t, task.PriorityNeedsUpdating(7))
	assert.True(t, task.PriorityNeedsUpdating(2))
}

func TestDescriptionHidesManagedParts(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	issue := api.addIssue(repo, "login", "feature")
	issue.Description = "Login flow\n\n## Issues\n- https://github.com/acme/web/issues/7\n\n<!-- tether:url=https://jira.example.com/browse/WEB-1 -->"

	p := newTestProvider(t, api, defaultOptions())
	task := taskOf(t, p, repo, issue)
	ctx := context.Background()

	assert.Equal(t, "Login flow", task.Description())
	assert.Equal(t, "https://jira.example.com/browse/WEB-1", task.URL())

	require.NoError(t, task.SetDescription(ctx, "Login and logout"))
	assert.Contains(t, issue.Description, "Login and logout")
	assert.Contains(t, issue.Description, "https://github.com/acme/web/issues/7")
	assert.Contains(t, issue.Description, "<!-- tether:url=https://jira.example.com/browse/WEB-1 -->")
	assert.Equal(t, "Login and logout", task.Description())
}

func TestSetURL(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	issue := api.addIssue(repo, "bug")
	issue.Description = "Steps"
	p := newTestProvider(t, api, defaultOptions())
	task := taskOf(t, p, repo, issue)

	require.NoError(t, task.SetURL(context.Background(), "https://jira.example.com/browse/WEB-2"))
	assert.Equal(t, "Steps\n\n<!-- tether:url=https://jira.example.com/browse/WEB-2 -->", issue.Description)
	assert.Equal(t, "https://jira.example.com/browse/WEB-2", task.URL())
	assert.Equal(t, "Steps", task.Description())

	opts := defaultOptions()
	opts.AcceptURLs = false
	closed := newTestProvider(t, api, opts)
	other := taskOf(t, closed, repo, issue)
	assert.False(t, other.AcceptsURL())
	assert.Empty(t, other.URL())
	assert.ErrorIs(t, other.SetURL(context.Background(), "x"), reconcile.ErrUnsupported)
}

func TestTaskInclude(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	opts := defaultOptions()
	opts.Label = "sync"
	p := newTestProvider(t, api, opts)

	unlabelled := taskOf(t, p, repo, api.addIssue(repo, "plain"))
	assert.False(t, unlabelled.Include())

	labelled := api.addIssue(repo, "tracked", "sync")
	task := taskOf(t, p, repo, labelled)
	assert.True(t, task.Include())

	closed := api.addIssue(repo, "done", "sync")
	closed.State = "closed"
	assert.False(t, taskOf(t, p, repo, closed).Include())

	require.NoError(t, task.SetWatermark(labelled.UpdatedAt))
	assert.False(t, taskOf(t, p, repo, labelled).Include())

	labelled.UpdatedAt = labelled.UpdatedAt.Add(time.Second)
	assert.True(t, taskOf(t, p, repo, labelled).Include())
}

func TestParentFromFeatureSection(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	feature := api.addIssue(repo, "checkout", "feature")
	child := api.addIssue(repo, "cart")
	orphan := api.addIssue(repo, "typo")
	feature.Description = fmt.Sprintf("Epic\n\n## Issues\n- https://github.com/acme/web/issues/%d\n- https://github.com/acme/other/issues/%d\n", child.Number, orphan.Number)

	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()

	parent, err := taskOf(t, p, repo, child).Parent(ctx)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "checkout", parent.Name())
	assert.True(t, parent.IsFeature())

	none, err := taskOf(t, p, repo, orphan).Parent(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSetParentRewritesFeatureSections(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	first := api.addIssue(repo, "first", "feature")
	second := api.addIssue(repo, "second", "feature")
	child := api.addIssue(repo, "child")
	link := fmt.Sprintf("https://github.com/acme/web/issues/%d", child.Number)
	first.Description = "One\n\n## Issues\n- " + link + "\n"

	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()
	task := taskOf(t, p, repo, child)
	target := taskOf(t, p, repo, second)

	require.NoError(t, task.SetParent(ctx, target))
	assert.NotContains(t, first.Description, link)
	assert.Contains(t, first.Description, "One")
	assert.Contains(t, second.Description, "## Issues\n- "+link)

	parent, err := task.Parent(ctx)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "second", parent.Name())

	require.NoError(t, task.SetParent(ctx, nil))
	assert.NotContains(t, second.Description, link)
	none, err := task.Parent(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSetVersion(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	other := api.addRepo("acme", "api")
	api.addMilestone(repo, "1.0", "open")
	api.addMilestone(other, "9.0", "open")
	issue := api.addIssue(repo, "bug")

	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()
	task := taskOf(t, p, repo, issue)

	v, err := p.version(ctx, repo.ID, 1)
	require.NoError(t, err)
	require.NoError(t, task.SetVersion(ctx, v))
	assert.Equal(t, 1, issue.Milestone)

	got, err := task.Version(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0", got.Name())

	foreignRepo, err := p.version(ctx, other.ID, 1)
	require.NoError(t, err)
	assert.Error(t, task.SetVersion(ctx, foreignRepo))

	require.NoError(t, task.SetVersion(ctx, nil))
	assert.Equal(t, 0, issue.Milestone)
	got, err = task.Version(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetProjectUnsupported(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	p := newTestProvider(t, api, defaultOptions())
	task := taskOf(t, p, repo, api.addIssue(repo, "bug"))

	project, err := p.newProject(api.addRepo("acme", "api"))
	require.NoError(t, err)
	assert.ErrorIs(t, task.SetProject(context.Background(), project), reconcile.ErrUnsupported)
}

func TestCreateTask(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	api.addMilestone(repo, "1.0", "open")
	opts := defaultOptions()
	opts.Label = "sync"
	p := newTestProvider(t, api, opts)
	ctx := context.Background()

	project, err := p.newProject(repo)
	require.NoError(t, err)
	version, err := p.version(ctx, repo.ID, 1)
	require.NoError(t, err)

	src := foreignTask{&foreign{kind: reconcile.KindTask, id: 9, name: "Checkout", feature: true, priority: 2}}
	created, err := p.CreateTask(ctx, src, project, version)
	require.NoError(t, err)
	require.NotNil(t, created)

	issue := api.issues[repo.FullName()][0]
	assert.Equal(t, "Checkout", issue.Title)
	assert.Equal(t, "about Checkout", issue.Description)
	assert.ElementsMatch(t, []string{"feature", "sync", "priority: 2"}, issue.Labels)
	assert.Equal(t, 1, issue.Milestone)
	assert.True(t, created.IsFeature())
	assert.Equal(t, 2, created.Priority())
}

func TestCreateTaskMatchesUnlinkedByName(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	linked := api.addIssue(repo, "Checkout")
	unlinked := api.addIssue(repo, "Checkout")
	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()

	require.NoError(t, p.SetSyncID(reconcile.KindTask, packID(repo.ID, linked.Number), 77))
	project, err := p.newProject(repo)
	require.NoError(t, err)

	src := foreignTask{&foreign{kind: reconcile.KindTask, id: 9, name: "Checkout"}}
	found, err := p.CreateTask(ctx, src, project, nil)
	require.NoError(t, err)
	assert.Equal(t, packID(repo.ID, unlinked.Number), found.ID())
	assert.Len(t, api.issues[repo.FullName()], 2)
}

func TestCreateTaskDisabled(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	opts := defaultOptions()
	opts.CreateIssues = false
	p := newTestProvider(t, api, opts)

	project, err := p.newProject(repo)
	require.NoError(t, err)
	src := foreignTask{&foreign{kind: reconcile.KindTask, id: 9, name: "New"}}
	_, err = p.CreateTask(context.Background(), src, project, nil)
	assert.ErrorIs(t, err, reconcile.ErrCreationDisabled)
}

func TestCreateProject(t *testing.T) {
	api := newFakeAPI()
	api.addRepo("acme", "web-shop")
	ctx := context.Background()

	disabled := newTestProvider(t, api, defaultOptions())
	_, err := disabled.CreateProject(ctx, &foreign{kind: reconcile.KindProject, id: 3, name: "Mobile App"})
	assert.ErrorIs(t, err, reconcile.ErrCreationDisabled)

	matched, err := disabled.CreateProject(ctx, &foreign{kind: reconcile.KindProject, id: 4, name: "Web Shop"})
	require.NoError(t, err)
	assert.Equal(t, "web-shop", matched.Name())

	opts := defaultOptions()
	opts.CreateRepositories = true
	p := newTestProvider(t, api, opts)
	created, err := p.CreateProject(ctx, &foreign{kind: reconcile.KindProject, id: 3, name: "Mobile App"})
	require.NoError(t, err)
	assert.Equal(t, "mobile-app", created.Name())
	assert.Equal(t, "about Mobile App", created.Description())
	assert.Equal(t, "acme", api.lastOrg)

	opts.Owner = "octocat"
	personal := newTestProvider(t, api, opts)
	_, err = personal.CreateProject(ctx, &foreign{kind: reconcile.KindProject, id: 5, name: "Dotfiles"})
	require.NoError(t, err)
	assert.Equal(t, "", api.lastOrg)
}

func TestCreateVersion(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	api.addMilestone(repo, "1.0", "open")
	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()

	project, err := p.newProject(repo)
	require.NoError(t, err)
	parent, err := p.version(ctx, repo.ID, 1)
	require.NoError(t, err)

	src := foreignVersion{&foreign{kind: reconcile.KindVersion, id: 8, name: "1.1"}}
	created, err := p.CreateVersion(ctx, src, project, parent)
	require.NoError(t, err)
	assert.Equal(t, packID(repo.ID, 2), created.ID())

	got, err := created.Parent(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0", got.Name())

	again, err := p.CreateVersion(ctx, foreignVersion{&foreign{kind: reconcile.KindVersion, id: 10, name: "1.0"}}, project, nil)
	require.NoError(t, err)
	assert.Equal(t, packID(repo.ID, 1), again.ID())
	assert.Len(t, api.milestones[repo.FullName()], 2)
}

func TestGetEntitiesMissing(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()

	unlinked, err := p.GetTask(ctx, foreignTask{&foreign{kind: reconcile.KindTask, id: 1}})
	require.NoError(t, err)
	assert.Nil(t, unlinked)

	gone, err := p.GetTask(ctx, foreignTask{&foreign{kind: reconcile.KindTask, id: 1, syncID: packID(repo.ID, 99)}})
	require.NoError(t, err)
	assert.Nil(t, gone)

	noRepo, err := p.GetProject(ctx, &foreign{kind: reconcile.KindProject, id: 1, syncID: 4242})
	require.NoError(t, err)
	assert.Nil(t, noRepo)

	noMilestone, err := p.GetVersion(ctx, foreignVersion{&foreign{kind: reconcile.KindVersion, id: 1, syncID: packID(repo.ID, 3)}})
	require.NoError(t, err)
	assert.Nil(t, noMilestone)
}

func TestUsers(t *testing.T) {
	api := newFakeAPI()
	api.users = []models.GitHubUser{{ID: 42, Login: "octo-dev", Name: "Octo Dev"}}
	opts := defaultOptions()
	opts.Users = map[string]string{"octo-dev": "odev"}
	p := newTestProvider(t, api, opts)
	ctx := context.Background()

	mapped, err := p.CreateUser(ctx, &foreign{kind: reconcile.KindUser, id: 5, name: "odev"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), mapped.ID())
	assert.Equal(t, "octo-dev", mapped.Name())
	assert.Equal(t, "Octo Dev", mapped.Description())

	direct, err := p.CreateUser(ctx, &foreign{kind: reconcile.KindUser, id: 6, name: "Octo-Dev"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), direct.ID())

	_, err = p.CreateUser(ctx, &foreign{kind: reconcile.KindUser, id: 7, name: "nobody"})
	assert.ErrorIs(t, err, reconcile.ErrUnsupported)

	got, err := p.GetUser(ctx, &foreign{kind: reconcile.KindUser, id: 5, syncID: 42})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "octo-dev", got.Name())

	missing, err := p.GetUser(ctx, &foreign{kind: reconcile.KindUser, id: 8, syncID: 99})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetOwner(t *testing.T) {
	api := newFakeAPI()
	api.users = []models.GitHubUser{{ID: 42, Login: "octo-dev"}}
	repo := api.addRepo("acme", "web")
	issue := api.addIssue(repo, "bug")
	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()
	task := taskOf(t, p, repo, issue)

	owner, err := p.CreateUser(ctx, &foreign{kind: reconcile.KindUser, id: 5, name: "octo-dev"})
	require.NoError(t, err)
	require.NoError(t, task.SetOwner(ctx, owner))
	assert.Equal(t, "octo-dev", issue.Assignee)

	got, err := task.Owner(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.ID())

	require.NoError(t, task.SetOwner(ctx, nil))
	assert.Empty(t, issue.Assignee)

	stranger := &foreign{kind: reconcile.KindUser, id: 1234, name: "stranger"}
	assert.Error(t, task.SetOwner(ctx, stranger))
}

func TestOnSyncCompleteStoresWatermark(t *testing.T) {
	api := newFakeAPI()
	repo := api.addRepo("acme", "web")
	issue := api.addIssue(repo, "bug")
	p := newTestProvider(t, api, defaultOptions())
	ctx := context.Background()
	task := taskOf(t, p, repo, issue)

	require.NoError(t, task.SetName(ctx, "renamed"))
	require.NoError(t, task.OnSyncComplete(ctx))

	mark, err := task.Watermark()
	require.NoError(t, err)
	assert.True(t, mark.Equal(issue.UpdatedAt))
	assert.False(t, taskOf(t, p, repo, issue).Include())
}
