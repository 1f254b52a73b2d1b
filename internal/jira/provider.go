package jira

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/internal/reconcile"
	"github.com/danielolaszy/tether/pkg/models"
)

// SystemName tags Jira entities in the identity map.
const SystemName = "jira"

const (
	// defaultPriority is reported for issues whose priority is not in the scheme.
	defaultPriority = 3
	// defaultProjectKey is used for project names without letters.
	defaultProjectKey = "TETHER"
	maxProjectKey     = 10
	// searchSlack widens the incremental query window so that the server's
	// time zone cannot hide a change; results are filtered exactly afterwards.
	searchSlack   = 24 * time.Hour
	jqlTimeFormat = "2006/01/02 15:04"
)

// API is the part of Client the provider uses.
type API interface {
	BaseURL() string
	Myself(ctx context.Context) (models.JiraUser, error)
	Projects(ctx context.Context) ([]models.JiraProject, error)
	Project(ctx context.Context, idOrKey string) (models.JiraProject, []models.JiraVersion, error)
	ProjectLead(ctx context.Context, idOrKey string) (models.JiraUser, error)
	CreateProject(ctx context.Context, spec ProjectSpec) (models.JiraProject, error)
	Version(ctx context.Context, id string) (models.JiraVersion, error)
	CreateVersion(ctx context.Context, v models.JiraVersion) (models.JiraVersion, error)
	MoveVersion(ctx context.Context, id, afterID string) error
	Issue(ctx context.Context, idOrKey string) (models.JiraTicket, error)
	SearchIssues(ctx context.Context, jql string) ([]models.JiraTicket, error)
	CreateIssue(ctx context.Context, spec IssueSpec) (models.JiraTicket, error)
	UpdateIssue(ctx context.Context, idOrKey string, fields map[string]interface{}) error
	DeleteIssue(ctx context.Context, idOrKey string) error
	Transitions(ctx context.Context, idOrKey string) ([]models.JiraTransition, error)
	DoTransition(ctx context.Context, idOrKey, transitionID string) error
	Priorities(ctx context.Context) ([]models.JiraPriority, error)
	FindUsers(ctx context.Context, query string) ([]models.JiraUser, error)
	CreateUser(ctx context.Context, u models.JiraUser) (models.JiraUser, error)
}

// Options configures the provider.
type Options struct {
	// Projects restricts synchronization to these project keys. Empty means all.
	Projects        []string
	CreateProjects  bool
	ProjectTemplate string
	CreateIssues    bool
	CreateUsers     bool
	TaskType        string
	FeatureType     string
	UpdateURL       bool
	// StatusMap maps lower-cased status names onto state names.
	StatusMap map[string]string
	// TransitionMap maps state names onto transition names.
	TransitionMap map[string]string
	// Users maps the paired system's user names onto Jira user names.
	Users map[string]string
}

// OptionsFromConfig extracts the provider options from the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Projects:        cfg.Jira.Projects,
		CreateProjects:  cfg.Jira.CreateProjects,
		ProjectTemplate: cfg.Jira.ProjectTemplate,
		CreateIssues:    cfg.Jira.CreateIssues,
		CreateUsers:     cfg.Jira.CreateUsers,
		TaskType:        cfg.Jira.TaskType,
		FeatureType:     cfg.Jira.FeatureType,
		UpdateURL:       cfg.Jira.UpdateURL,
		StatusMap:       lowerKeys(cfg.Jira.StatusMap),
		TransitionMap:   lowerKeys(cfg.Jira.TransitionMap),
		Users:           lowerKeys(cfg.Sync.Users),
	}
}

// Provider exposes Jira to the reconciliation engine. Projects, versions and
// the priority scheme are cached until Reset.
type Provider struct {
	*reconcile.Links

	api  API
	opts Options
	log  *slog.Logger

	priorities []models.JiraPriority
	projects   map[string]models.JiraProject
	versions   map[string][]models.JiraVersion
	// users indexes every user seen by its entity id. It survives Reset.
	users map[int64]models.JiraUser
}

// NewProvider returns a Jira provider over api.
func NewProvider(api API, links *reconcile.Links, opts Options, log *slog.Logger) *Provider {
	if log == nil {
		log = logging.GetLogger()
	}
	p := &Provider{
		Links: links,
		api:   api,
		opts:  opts,
		log:   log.With("system", SystemName),
		users: make(map[int64]models.JiraUser),
	}
	p.Reset()
	return p
}

func (p *Provider) Name() string { return SystemName }

// Reset drops the cached projects, versions and priorities.
func (p *Provider) Reset() {
	p.priorities = nil
	p.projects = make(map[string]models.JiraProject)
	p.versions = make(map[string][]models.JiraVersion)
}

// ListProjects lists every project. Projects outside the configured key
// filter are returned excluded.
func (p *Provider) ListProjects(ctx context.Context) []reconcile.Project {
	projects, err := p.api.Projects(ctx)
	if err != nil {
		p.log.Warn("failed to list projects", "error", err)
		return nil
	}

	var result []reconcile.Project
	for _, jp := range projects {
		entity, err := p.newProject(jp)
		if err != nil {
			p.log.Warn("failed to load project", "project", jp.Key, "error", err)
			continue
		}
		result = append(result, entity)
	}
	return result
}

func (p *Provider) ListVersions(ctx context.Context, project reconcile.Project) ([]reconcile.Version, error) {
	versions, err := p.projectVersions(ctx, id(project.ID()))
	if err != nil {
		return nil, err
	}
	result := make([]reconcile.Version, 0, len(versions))
	for i := range versions {
		v, err := p.newVersion(versions, i)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// RecentTasks returns the issues of project updated after since.
func (p *Provider) RecentTasks(ctx context.Context, project reconcile.Project, since time.Time) ([]reconcile.Task, error) {
	if err := p.loadPriorities(ctx); err != nil {
		return nil, err
	}

	tickets, err := p.api.SearchIssues(ctx, recentJQL(project.ID(), since))
	if err != nil {
		return nil, err
	}

	var result []reconcile.Task
	for _, ticket := range tickets {
		if !since.IsZero() && !ticket.Updated.After(since) {
			continue
		}
		t, err := p.newTask(ticket)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

// recentJQL builds the incremental query of a project. A zero since selects
// every issue.
func recentJQL(projectID int64, since time.Time) string {
	jql := fmt.Sprintf("project = %d", projectID)
	if !since.IsZero() {
		jql += fmt.Sprintf(" AND updated > '%s'", since.Add(-searchSlack).Format(jqlTimeFormat))
	}
	return jql + " ORDER BY updated ASC"
}

func (p *Provider) GetProject(ctx context.Context, counterpart reconcile.Project) (reconcile.Project, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	found, err := p.project(ctx, id(counterpart.SyncID()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return found, err
}

// CreateProject returns the project named like src, creating it when
// project creation is enabled.
func (p *Provider) CreateProject(ctx context.Context, src reconcile.Project) (reconcile.Project, error) {
	projects, err := p.api.Projects(ctx)
	if err != nil {
		return nil, err
	}
	for _, jp := range projects {
		if strings.EqualFold(jp.Name, src.Name()) {
			return p.newProject(jp)
		}
	}

	if !p.opts.CreateProjects {
		return nil, reconcile.ErrCreationDisabled
	}

	taken := make(map[string]bool, len(projects))
	for _, jp := range projects {
		taken[jp.Key] = true
	}
	key, err := ProjectKey(src.Name(), taken)
	if err != nil {
		return nil, err
	}

	spec := ProjectSpec{
		Key:         key,
		Name:        src.Name(),
		Description: src.Description(),
		TypeKey:     "software",
	}
	if p.opts.ProjectTemplate != "" {
		for _, jp := range projects {
			if strings.EqualFold(jp.Key, p.opts.ProjectTemplate) && jp.TypeKey != "" {
				spec.TypeKey = jp.TypeKey
			}
		}
		spec.Lead, err = p.api.ProjectLead(ctx, p.opts.ProjectTemplate)
	} else {
		spec.Lead, err = p.api.Myself(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to determine lead for project %s: %w", key, err)
	}

	created, err := p.api.CreateProject(ctx, spec)
	if err != nil {
		return nil, err
	}
	p.projects[created.ID] = created
	return p.newProject(created)
}

// ProjectKey derives a project key from a name: its letters upper-cased and
// cut to the key length limit, suffixed with A..Z until it is not taken.
func ProjectKey(name string, taken map[string]bool) (string, error) {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	base := b.String()
	if base == "" {
		base = defaultProjectKey
	}
	if len(base) > maxProjectKey {
		base = base[:maxProjectKey]
	}
	if !taken[base] {
		return base, nil
	}

	if len(base) == maxProjectKey {
		base = base[:maxProjectKey-1]
	}
	for c := 'A'; c <= 'Z'; c++ {
		key := base + string(c)
		if !taken[key] {
			return key, nil
		}
	}
	return "", fmt.Errorf("no free project key for %q", name)
}

func (p *Provider) GetVersion(ctx context.Context, counterpart reconcile.Version) (reconcile.Version, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	v, err := p.version(ctx, id(counterpart.SyncID()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// CreateVersion returns the version of project named like src, creating it
// after parent when there is none.
func (p *Provider) CreateVersion(ctx context.Context, src reconcile.Version, project reconcile.Project, parent reconcile.Version) (reconcile.Version, error) {
	projectID := id(project.ID())
	versions, err := p.projectVersions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i, v := range versions {
		if strings.EqualFold(v.Name, src.Name()) {
			return p.newVersion(versions, i)
		}
	}

	created, err := p.api.CreateVersion(ctx, models.JiraVersion{
		Name:        src.Name(),
		Description: src.Description(),
		ProjectID:   int(project.ID()),
	})
	if err != nil {
		return nil, err
	}
	if parent != nil {
		if err := p.api.MoveVersion(ctx, created.ID, id(parent.ID())); err != nil {
			p.log.Warn("failed to order version after its parent", "version", created.Name, "parent", parent.Name(), "error", err)
		}
	}

	delete(p.versions, projectID)
	return p.version(ctx, created.ID)
}

func (p *Provider) GetTask(ctx context.Context, counterpart reconcile.Task) (reconcile.Task, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	t, err := p.task(ctx, id(counterpart.SyncID()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// CreateTask returns the unlinked issue of project summarised like src,
// creating one when issue creation is enabled. Features are created with the
// feature issue type.
func (p *Provider) CreateTask(ctx context.Context, src reconcile.Task, project reconcile.Project, version reconcile.Version) (reconcile.Task, error) {
	if err := p.loadPriorities(ctx); err != nil {
		return nil, err
	}

	jp, err := p.projectRecord(ctx, id(project.ID()))
	if err != nil {
		return nil, err
	}

	jql := fmt.Sprintf("project = %d AND summary ~ \"%s\"", project.ID(), escapeJQL(src.Name()))
	candidates, err := p.api.SearchIssues(ctx, jql)
	if err != nil {
		p.log.Warn("failed to look for an existing issue", "task", src.Name(), "error", err)
	}
	for _, ticket := range candidates {
		if ticket.Title != src.Name() {
			continue
		}
		t, err := p.newTask(ticket)
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
		ProjectKey:  jp.Key,
		Type:        p.opts.TaskType,
		Summary:     src.Name(),
		Description: src.Description(),
		PriorityID:  p.priorityID(src.Priority()),
	}
	if src.IsFeature() && p.opts.FeatureType != "" {
		spec.Type = p.opts.FeatureType
	}
	if version != nil {
		spec.VersionID = id(version.ID())
	}

	ticket, err := p.api.CreateIssue(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p.newTask(ticket)
}

func (p *Provider) GetUser(ctx context.Context, counterpart reconcile.User) (reconcile.User, error) {
	if counterpart.SyncID() == 0 {
		return nil, nil
	}
	u, ok := p.users[counterpart.SyncID()]
	if !ok {
		// not seen yet; CreateUser finds it by name and repairs the link
		return nil, nil
	}
	return p.newUser(u)
}

// CreateUser returns the Jira user src maps to, creating it when user
// creation is enabled.
func (p *Provider) CreateUser(ctx context.Context, src reconcile.User) (reconcile.User, error) {
	name := src.Name()
	if mapped, ok := p.opts.Users[strings.ToLower(name)]; ok {
		name = mapped
	}

	users, err := p.api.FindUsers(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, name) || u.AccountID == name ||
			(src.Email() != "" && strings.EqualFold(u.Email, src.Email())) {
			return p.newUser(u)
		}
	}

	if !p.opts.CreateUsers {
		return nil, reconcile.ErrCreationDisabled
	}
	displayName := src.Description()
	if displayName == "" {
		displayName = name
	}
	created, err := p.api.CreateUser(ctx, models.JiraUser{Name: name, Email: src.Email(), DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	return p.newUser(created)
}

func (p *Provider) loadPriorities(ctx context.Context) error {
	if p.priorities != nil {
		return nil
	}
	priorities, err := p.api.Priorities(ctx)
	if err != nil {
		return err
	}
	p.priorities = priorities
	return nil
}

// priorityOf returns the 1-based position of a priority id in the scheme.
func (p *Provider) priorityOf(priorityID string) int {
	for i, pr := range p.priorities {
		if pr.ID == priorityID {
			return i + 1
		}
	}
	return defaultPriority
}

// priorityID returns the scheme entry for an ordinal, clamping ordinals
// beyond the scheme to its lowest entry.
func (p *Provider) priorityID(priority int) string {
	if len(p.priorities) == 0 {
		return ""
	}
	switch {
	case priority > len(p.priorities):
		return p.priorities[len(p.priorities)-1].ID
	case priority < 1:
		return p.priorities[0].ID
	default:
		return p.priorities[priority-1].ID
	}
}

// stateOf maps a status onto a state: the configured status map first, then
// the status category.
func (p *Provider) stateOf(status, category string) reconcile.State {
	if s, ok := p.mappedState(status); ok {
		return s
	}
	if category == "done" {
		return reconcile.StateClosed
	}
	return reconcile.StateOpen
}

func (p *Provider) mappedState(status string) (reconcile.State, bool) {
	name, ok := p.opts.StatusMap[strings.ToLower(status)]
	if !ok {
		return reconcile.StateUnknown, false
	}
	s := reconcile.ParseState(name)
	return s, s != reconcile.StateUnknown
}

// pickTransition finds the transition reaching state. A configured
// transition name wins; otherwise a transition into a status mapped to state,
// then one into the matching status category.
func (p *Provider) pickTransition(transitions []models.JiraTransition, state reconcile.State) (models.JiraTransition, bool) {
	if name, ok := p.opts.TransitionMap[state.String()]; ok {
		for _, t := range transitions {
			if strings.EqualFold(t.Name, name) {
				return t, true
			}
		}
		return models.JiraTransition{}, false
	}
	for _, t := range transitions {
		if s, ok := p.mappedState(t.ToStatus); ok && s == state {
			return t, true
		}
	}
	category := ""
	switch state {
	case reconcile.StateOpen:
		category = "new"
	case reconcile.StateClosed:
		category = "done"
	}
	if category == "" {
		return models.JiraTransition{}, false
	}
	for _, t := range transitions {
		if _, mapped := p.mappedState(t.ToStatus); !mapped && t.ToCategory == category {
			return t, true
		}
	}
	return models.JiraTransition{}, false
}

// userID derives a stable entity id for a user from its account id, or its
// name on servers without account ids.
func userID(u models.JiraUser) int64 {
	key := u.AccountID
	if key == "" {
		key = u.Name
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	n := int64(h.Sum64() & math.MaxInt64)
	if n == 0 {
		n = 1
	}
	return n
}

func id(n int64) string {
	return strconv.FormatInt(n, 10)
}

func parseID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid jira id %q: %w", s, err)
	}
	return n, nil
}

func escapeJQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
