package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/internal/reconcile"
	"github.com/danielolaszy/tether/pkg/models"
)

// SystemName tags GitHub entities in the identity map.
const SystemName = "github"

const (
	featureLabel   = "feature"
	completedLabel = "completed"
	rejectedLabel  = "rejected"
	// defaultPriority is reported for issues without a priority label.
	defaultPriority = 3
	// numberBits is the width of the issue or milestone number packed into
	// the low bits of an entity id, the repository id taking the rest.
	numberBits = 24
	numberMask = 1<<numberBits - 1
)

var priorityPattern = regexp.MustCompile(`(?i)^priority:\s*(\d+)$`)

// API is the part of Client the provider uses.
type API interface {
	Domain() string
	CurrentUser(ctx context.Context) (models.GitHubUser, error)
	User(ctx context.Context, login string) (models.GitHubUser, error)
	UserByID(ctx context.Context, id int64) (models.GitHubUser, error)
	Repositories(ctx context.Context, owner string) ([]models.GitHubRepository, error)
	Repository(ctx context.Context, repository string) (models.GitHubRepository, error)
	RepositoryByID(ctx context.Context, id int64) (models.GitHubRepository, error)
	CreateRepository(ctx context.Context, org, name, description string) (models.GitHubRepository, error)
	Milestones(ctx context.Context, repository string) ([]models.GitHubMilestone, error)
	CreateMilestone(ctx context.Context, repository, title, description string) (models.GitHubMilestone, error)
	Issues(ctx context.Context, repository string, since time.Time, labels ...string) ([]models.GitHubIssue, error)
	FindIssues(ctx context.Context, repository, title string) ([]models.GitHubIssue, error)
	Issue(ctx context.Context, repository string, number int) (models.GitHubIssue, error)
	CreateIssue(ctx context.Context, repository string, spec IssueSpec) (models.GitHubIssue, error)
	EditIssue(ctx context.Context, repository string, number int, edit IssueEdit) (models.GitHubIssue, error)
	ClearMilestone(ctx context.Context, repository string, number int) (models.GitHubIssue, error)
}

// Options configures the provider.
type Options struct {
	Owner string
	// Repositories restricts synchronization to these repositories. Empty
	// means every repository of Owner.
	Repositories []string
	// Label restricts unlinked issues to those carrying it. Created issues
	// get it too.
	Label string
	// PriorityLevels is the number of priority labels, 0 for unlimited.
	PriorityLevels     int
	AcceptURLs         bool
	CreateRepositories bool
	CreateIssues       bool
	// Users maps lower-cased logins onto the paired system's user names.
	Users map[string]string
}

// OptionsFromConfig extracts the provider options from the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	users := make(map[string]string, len(cfg.Sync.Users))
	for login, name := range cfg.Sync.Users {
		users[strings.ToLower(login)] = name
	}
	return Options{
		Owner:              cfg.GitHub.Owner,
		Repositories:       cfg.GitHub.Repositories,
		Label:              cfg.GitHub.Label,
		PriorityLevels:     cfg.GitHub.PriorityLevels,
		AcceptURLs:         cfg.GitHub.AcceptURLs,
		CreateRepositories: cfg.GitHub.CreateRepositories,
		CreateIssues:       cfg.GitHub.CreateIssues,
		Users:              users,
	}
}

// Provider exposes GitHub to the reconciliation engine. Repositories,
// milestones and the feature hierarchy are cached until Reset.
type Provider struct {
	*reconcile.Links

	api  API
	opts Options
	log  *slog.Logger

	repos      map[int64]models.GitHubRepository
	milestones map[int64][]models.GitHubMilestone
	// parents maps, per repository, an issue number onto the number of the
	// feature listing it.
	parents map[int64]map[int]int
	// users survives Reset.
	users map[int64]models.GitHubUser
}

// NewProvider returns a GitHub provider over api.
func NewProvider(api API, links *reconcile.Links, opts Options, log *slog.Logger) *Provider {
	if log == nil {
		log = logging.GetLogger()
	}
	p := &Provider{
		Links: links,
		api:   api,
		opts:  opts,
		log:   log.With("system", SystemName),
		users: make(map[int64]models.GitHubUser),
	}
	p.Reset()
	return p
}

func (p *Provider) Name() string { return SystemName }

// Reset drops the cached repositories, milestones and feature hierarchy.
func (p *Provider) Reset() {
	p.repos = make(map[int64]models.GitHubRepository)
	p.milestones = make(map[int64][]models.GitHubMilestone)
	p.parents = make(map[int64]map[int]int)
}

// ListProjects lists the configured repositories, or every repository of
// the owner.
func (p *Provider) ListProjects(ctx context.Context) []reconcile.Project {
	var repos []models.GitHubRepository
	if len(p.opts.Repositories) > 0 {
		for _, name := range p.opts.Repositories {
			repo, err := p.api.Repository(ctx, p.qualify(name))
			if err != nil {
				p.log.Warn("failed to load repository", "repository", name, "error", err)
				continue
			}
			repos = append(repos, repo)
		}
	} else {
		var err error
		repos, err = p.api.Repositories(ctx, p.opts.Owner)
		if err != nil {
			p.log.Warn("failed to list repositories", "owner", p.opts.Owner, "error", err)
			return nil
		}
	}

	var result []reconcile.Project
	for _, repo := range repos {
		entity, err := p.newProject(repo)
		if err != nil {
			p.log.Warn("failed to load project", "repository", repo.FullName(), "error", err)
			continue
		}
		result = append(result, entity)
	}
	return result
}

func (p *Provider) qualify(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	return p.opts.Owner + "/" + name
}

func (p *Provider) ListVersions(ctx context.Context, project reconcile.Project) ([]reconcile.Version, error) {
	repo, err := p.repo(ctx, project.ID())
	if err != nil {
		return nil, err
	}
	milestones, err := p.repoMilestones(ctx, repo)
	if err != nil {
		return nil, err
	}
	result := make([]reconcile.Version, 0, len(milestones))
	for i := range milestones {
		v, err := p.newVersion(repo, milestones, i)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// RecentTasks returns the issues of project updated after since.
func (p *Provider) RecentTasks(ctx context.Context, project reconcile.Project, since time.Time) ([]reconcile.Task, error) {
	repo, err := p.repo(ctx, project.ID())
	if err != nil {
		return nil, err
	}

	issues, err := p.api.Issues(ctx, repo.FullName(), since)
	if err != nil {
		return nil, err
	}

	var result []reconcile.Task
	for _, issue := range issues {
		// the API filter is inclusive
		if !since.IsZero() && !issue.UpdatedAt.After(since) {
			continue
		}
		t, err := p.newTask(repo, issue)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (p *Provider) GetProject(ctx context.Context, counterpart reconcile.Project) (reconcile.Project, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	repo, err := p.repo(ctx, counterpart.SyncID())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.newProject(repo)
}

// CreateProject returns the owner's repository named like src, creating it
// when repository creation is enabled.
func (p *Provider) CreateProject(ctx context.Context, src reconcile.Project) (reconcile.Project, error) {
	name := RepositoryName(src.Name())

	repos, err := p.api.Repositories(ctx, p.opts.Owner)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if strings.EqualFold(repo.Name, name) || strings.EqualFold(repo.Name, src.Name()) {
			return p.newProject(repo)
		}
	}

	if !p.opts.CreateRepositories {
		return nil, reconcile.ErrCreationDisabled
	}

	me, err := p.api.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	org := p.opts.Owner
	if strings.EqualFold(org, me.Login) {
		org = ""
	}

	created, err := p.api.CreateRepository(ctx, org, name, src.Description())
	if err != nil {
		return nil, err
	}
	return p.newProject(created)
}

// RepositoryName derives a repository name from a project name: letters and
// digits lower-cased, every other run of characters replaced by a hyphen.
func RepositoryName(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			hyphen = false
		case r == '.' || r == '_':
			b.WriteRune(r)
			hyphen = false
		case !hyphen && b.Len() > 0:
			b.WriteRune('-')
			hyphen = true
		}
	}
	result := strings.TrimRight(b.String(), "-")
	if result == "" {
		return "tether"
	}
	return result
}

func (p *Provider) GetVersion(ctx context.Context, counterpart reconcile.Version) (reconcile.Version, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	repoID, number := unpackID(counterpart.SyncID())
	v, err := p.version(ctx, repoID, number)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// CreateVersion returns the milestone of project named like src, creating
// it when there is none. A new milestone has the highest number and so
// already follows parent.
func (p *Provider) CreateVersion(ctx context.Context, src reconcile.Version, project reconcile.Project, parent reconcile.Version) (reconcile.Version, error) {
	repo, err := p.repo(ctx, project.ID())
	if err != nil {
		return nil, err
	}
	milestones, err := p.repoMilestones(ctx, repo)
	if err != nil {
		return nil, err
	}
	for i, m := range milestones {
		if strings.EqualFold(m.Title, src.Name()) {
			return p.newVersion(repo, milestones, i)
		}
	}

	created, err := p.api.CreateMilestone(ctx, repo.FullName(), src.Name(), src.Description())
	if err != nil {
		return nil, err
	}
	delete(p.milestones, repo.ID)
	return p.version(ctx, repo.ID, created.Number)
}

func (p *Provider) GetTask(ctx context.Context, counterpart reconcile.Task) (reconcile.Task, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	repoID, number := unpackID(counterpart.SyncID())
	t, err := p.task(ctx, repoID, number)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// CreateTask returns the unlinked issue of project titled like src, creating
// one when issue creation is enabled.
func (p *Provider) CreateTask(ctx context.Context, src reconcile.Task, project reconcile.Project, version reconcile.Version) (reconcile.Task, error) {
	repo, err := p.repo(ctx, project.ID())
	if err != nil {
		return nil, err
	}

	candidates, err := p.api.FindIssues(ctx, repo.FullName(), src.Name())
	if err != nil {
		p.log.Warn("failed to look for an existing issue", "task", src.Name(), "error", err)
	}
	for _, issue := range candidates {
		if issue.Title != src.Name() {
			continue
		}
		t, err := p.newTask(repo, issue)
		if err != nil {
			return nil, err
		}
		if t.SyncID() == 0 {
			return t, nil
		}
	}

	if !p.opts.CreateIssues {
		return nil, reconcile.ErrCreationDisabled
	}

	spec := IssueSpec{
		Title: src.Name(),
		Body:  src.Description(),
	}
	if src.IsFeature() {
		spec.Labels = append(spec.Labels, featureLabel)
	}
	if p.opts.Label != "" {
		spec.Labels = append(spec.Labels, p.opts.Label)
	}
	spec.Labels = append(spec.Labels, p.priorityLabel(src.Priority()))
	if version != nil {
		versionRepo, number := unpackID(version.ID())
		if versionRepo == repo.ID {
			spec.Milestone = number
		}
	}

	issue, err := p.api.CreateIssue(ctx, repo.FullName(), spec)
	if err != nil {
		return nil, err
	}
	return p.newTask(repo, issue)
}

func (p *Provider) GetUser(ctx context.Context, counterpart reconcile.User) (reconcile.User, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	u, ok := p.users[counterpart.SyncID()]
	if !ok {
		var err error
		u, err = p.api.UserByID(ctx, counterpart.SyncID())
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return p.newUser(u)
}

// CreateUser returns the account src maps to: the login the user map pairs
// with src's name, else a login equal to it. Accounts cannot be created.
func (p *Provider) CreateUser(ctx context.Context, src reconcile.User) (reconcile.User, error) {
	login := src.Name()
	for l, name := range p.opts.Users {
		if strings.EqualFold(name, src.Name()) {
			login = l
			break
		}
	}

	u, err := p.api.User(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no github account for %q", reconcile.ErrUnsupported, src.Name())
	}
	if err != nil {
		return nil, err
	}
	return p.newUser(u)
}

// priorityOf reads the priority label of an issue.
func (p *Provider) priorityOf(labels []string) int {
	for _, l := range labels {
		if m := priorityPattern.FindStringSubmatch(l); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return p.clamp(defaultPriority)
}

// clamp limits priority to the configured levels.
func (p *Provider) clamp(priority int) int {
	if priority < 1 {
		priority = 1
	}
	if p.opts.PriorityLevels > 0 && priority > p.opts.PriorityLevels {
		priority = p.opts.PriorityLevels
	}
	return priority
}

func (p *Provider) priorityLabel(priority int) string {
	return fmt.Sprintf("priority: %d", p.clamp(priority))
}

func packID(repoID int64, number int) int64 {
	return repoID<<numberBits | int64(number)&numberMask
}

func unpackID(id int64) (int64, int) {
	return id >> numberBits, int(id & numberMask)
}
