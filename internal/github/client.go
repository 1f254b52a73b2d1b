// Package github implements the GitHub backend: a REST client built on
// go-github and the provider that exposes repositories, milestones, issues and
// users to the reconciliation engine.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/pkg/models"
)

const perPage = 100

// ErrNotFound is returned when GitHub answers 404.
var ErrNotFound = errors.New("not found")

// IssueSpec describes an issue to create.
type IssueSpec struct {
	Title     string
	Body      string
	Labels    []string
	Milestone int
	Assignee  string
}

// IssueEdit lists the issue fields to change. Nil fields are left alone.
type IssueEdit struct {
	Title     *string
	Body      *string
	State     *string
	Labels    *[]string
	Milestone *int
	Assignees *[]string
}

// Client encapsulates the GitHub API client.
type Client struct {
	client *github.Client
	domain string
}

// NewClient creates a GitHub API client authenticating with the configured
// token. Domains other than github.com are treated as GitHub Enterprise.
func NewClient(cfg *config.Config) (*Client, error) {
	token := cfg.GitHub.Token
	if token == "" {
		return nil, fmt.Errorf("github token not found in configuration")
	}

	domain := cfg.GitHub.Domain
	if domain == "" {
		domain = "github.com"
	}
	api := apiURL(domain)

	logging.Info("github configuration",
		"domain", domain,
		"api_url", api,
		"token", logging.MaskSensitive(token))

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return newClient(tc, api, domain)
}

func newClient(httpClient *http.Client, api, domain string) (*Client, error) {
	client := github.NewClient(httpClient)
	if api != "https://api.github.com/" {
		parsedURL, err := url.Parse(api)
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = parsedURL
		// For GitHub Enterprise, set the upload URL to the same endpoint
		client.UploadURL = parsedURL
	}
	return &Client{client: client, domain: domain}, nil
}

// apiURL returns the REST endpoint of a GitHub domain.
func apiURL(domain string) string {
	if domain == "" || domain == "github.com" {
		return "https://api.github.com/"
	}
	return fmt.Sprintf("https://%s/api/v3/", domain)
}

// Domain returns the web domain issue links point at.
func (c *Client) Domain() string {
	return c.domain
}

// CurrentUser returns the authenticated user, which also checks the token.
func (c *Client) CurrentUser(ctx context.Context) (models.GitHubUser, error) {
	user, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return models.GitHubUser{}, fmt.Errorf("error testing github token: %w", err)
	}
	logging.Debug("github authentication successful", "username", user.GetLogin())
	return convertUser(user), nil
}

// User fetches a user by login.
func (c *Client) User(ctx context.Context, login string) (models.GitHubUser, error) {
	user, resp, err := c.client.Users.Get(ctx, login)
	if err != nil {
		return models.GitHubUser{}, fmt.Errorf("failed to get github user %s: %w", login, notFound(resp, err))
	}
	return convertUser(user), nil
}

// UserByID fetches a user by numeric id.
func (c *Client) UserByID(ctx context.Context, id int64) (models.GitHubUser, error) {
	user, resp, err := c.client.Users.GetByID(ctx, id)
	if err != nil {
		return models.GitHubUser{}, fmt.Errorf("failed to get github user %d: %w", id, notFound(resp, err))
	}
	return convertUser(user), nil
}

// Repositories lists the repositories of an organization, or of a user when
// owner is not an organization.
func (c *Client) Repositories(ctx context.Context, owner string) ([]models.GitHubRepository, error) {
	var all []*github.Repository

	orgOpts := &github.RepositoryListByOrgOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	for {
		repos, resp, err := c.client.Repositories.ListByOrg(ctx, owner, orgOpts)
		if err != nil {
			if errors.Is(notFound(resp, err), ErrNotFound) {
				return c.userRepositories(ctx, owner)
			}
			return nil, fmt.Errorf("failed to list github repositories of %s: %w", owner, err)
		}
		all = append(all, repos...)
		if resp.NextPage == 0 {
			break
		}
		orgOpts.Page = resp.NextPage
	}

	return convertRepositories(all), nil
}

func (c *Client) userRepositories(ctx context.Context, owner string) ([]models.GitHubRepository, error) {
	var all []*github.Repository
	opts := &github.RepositoryListOptions{Type: "owner", ListOptions: github.ListOptions{PerPage: perPage}}
	for {
		repos, resp, err := c.client.Repositories.List(ctx, owner, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list github repositories of %s: %w", owner, err)
		}
		all = append(all, repos...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return convertRepositories(all), nil
}

// Repository fetches a repository in the format "owner/repo".
func (c *Client) Repository(ctx context.Context, repository string) (models.GitHubRepository, error) {
	owner, name, err := splitRepository(repository)
	if err != nil {
		return models.GitHubRepository{}, err
	}
	repo, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return models.GitHubRepository{}, fmt.Errorf("failed to get github repository %s: %w", repository, notFound(resp, err))
	}
	return convertRepository(repo), nil
}

// RepositoryByID fetches a repository by numeric id.
func (c *Client) RepositoryByID(ctx context.Context, id int64) (models.GitHubRepository, error) {
	repo, resp, err := c.client.Repositories.GetByID(ctx, id)
	if err != nil {
		return models.GitHubRepository{}, fmt.Errorf("failed to get github repository %d: %w", id, notFound(resp, err))
	}
	return convertRepository(repo), nil
}

// CreateRepository creates a repository in org, or for the authenticated
// user when org is empty.
func (c *Client) CreateRepository(ctx context.Context, org, name, description string) (models.GitHubRepository, error) {
	repo, _, err := c.client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(name),
		Description: github.String(description),
	})
	if err != nil {
		return models.GitHubRepository{}, fmt.Errorf("failed to create github repository %s: %w", name, err)
	}
	logging.Info("created github repository", "repository", repo.GetFullName())
	return convertRepository(repo), nil
}

// Milestones lists every milestone of a repository ordered by number.
func (c *Client) Milestones(ctx context.Context, repository string) ([]models.GitHubMilestone, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	var result []models.GitHubMilestone
	for {
		milestones, resp, err := c.client.Issues.ListMilestones(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list milestones of %s: %w", repository, notFound(resp, err))
		}
		for _, m := range milestones {
			result = append(result, convertMilestone(repository, m))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

// CreateMilestone creates an open milestone.
func (c *Client) CreateMilestone(ctx context.Context, repository, title, description string) (models.GitHubMilestone, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return models.GitHubMilestone{}, err
	}
	m, _, err := c.client.Issues.CreateMilestone(ctx, owner, repo, &github.Milestone{
		Title:       github.String(title),
		Description: github.String(description),
	})
	if err != nil {
		return models.GitHubMilestone{}, fmt.Errorf("failed to create milestone %s in %s: %w", title, repository, err)
	}
	logging.Info("created github milestone", "repository", repository, "title", title)
	return convertMilestone(repository, m), nil
}

// Issues lists the issues of a repository in every state, oldest update
// first. A non-zero since restricts them to issues updated at or after it;
// labels restricts them to issues carrying all of the labels.
func (c *Client) Issues(ctx context.Context, repository string, since time.Time, labels ...string) ([]models.GitHubIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      labels,
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var allIssues []*github.Issue
	for {
		issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			logging.Error("failed to fetch github issues", "repository", repository, "error", err)
			return nil, fmt.Errorf("failed to fetch GitHub issues: %w", err)
		}

		allIssues = append(allIssues, issues...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return convertIssues(repository, allIssues), nil
}

// FindIssues searches the issues of a repository whose title contains title.
func (c *Client) FindIssues(ctx context.Context, repository, title string) ([]models.GitHubIssue, error) {
	query := fmt.Sprintf("repo:%s is:issue in:title %q", repository, title)
	result, _, err := c.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search github issues: %w", err)
	}
	return convertIssues(repository, result.Issues), nil
}

// Issue fetches one issue.
func (c *Client) Issue(ctx context.Context, repository string, number int) (models.GitHubIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return models.GitHubIssue{}, err
	}
	issue, resp, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return models.GitHubIssue{}, fmt.Errorf("failed to get github issue %s#%d: %w", repository, number, notFound(resp, err))
	}
	return convertIssue(repository, issue), nil
}

// CreateIssue creates an issue. GitHub creates labels that do not exist.
func (c *Client) CreateIssue(ctx context.Context, repository string, spec IssueSpec) (models.GitHubIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return models.GitHubIssue{}, err
	}

	req := &github.IssueRequest{
		Title: github.String(spec.Title),
		Body:  github.String(spec.Body),
	}
	if len(spec.Labels) > 0 {
		req.Labels = &spec.Labels
	}
	if spec.Milestone != 0 {
		req.Milestone = github.Int(spec.Milestone)
	}
	if spec.Assignee != "" {
		req.Assignees = &[]string{spec.Assignee}
	}

	issue, _, err := c.client.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return models.GitHubIssue{}, fmt.Errorf("failed to create issue in %s: %w", repository, err)
	}
	logging.Info("created github issue", "repository", repository, "issue_number", issue.GetNumber())
	return convertIssue(repository, issue), nil
}

// EditIssue changes the fields set in edit and returns the updated issue.
func (c *Client) EditIssue(ctx context.Context, repository string, number int, edit IssueEdit) (models.GitHubIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return models.GitHubIssue{}, err
	}

	logging.Debug("editing github issue", "repository", repository, "issue_number", number)

	issue, _, err := c.client.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
		Title:     edit.Title,
		Body:      edit.Body,
		State:     edit.State,
		Labels:    edit.Labels,
		Milestone: edit.Milestone,
		Assignees: edit.Assignees,
	})
	if err != nil {
		return models.GitHubIssue{}, fmt.Errorf("failed to update issue %s#%d: %w", repository, number, err)
	}
	return convertIssue(repository, issue), nil
}

// ClearMilestone removes the milestone of an issue. IssueRequest omits a nil
// milestone so the request is built by hand.
func (c *Client) ClearMilestone(ctx context.Context, repository string, number int) (models.GitHubIssue, error) {
	owner, repo, err := splitRepository(repository)
	if err != nil {
		return models.GitHubIssue{}, err
	}
	req, err := c.client.NewRequest(http.MethodPatch,
		fmt.Sprintf("repos/%s/%s/issues/%d", owner, repo, number),
		map[string]interface{}{"milestone": nil})
	if err != nil {
		return models.GitHubIssue{}, fmt.Errorf("failed to build milestone request: %w", err)
	}
	issue := new(github.Issue)
	if _, err := c.client.Do(ctx, req, issue); err != nil {
		return models.GitHubIssue{}, fmt.Errorf("failed to clear milestone of %s#%d: %w", repository, number, err)
	}
	return convertIssue(repository, issue), nil
}

// splitRepository parses a repository in the format "owner/repo".
func splitRepository(repository string) (string, string, error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format: %s, expected format: owner/repo", repository)
	}
	return parts[0], parts[1], nil
}

// notFound replaces err with ErrNotFound when GitHub answered 404.
func notFound(resp *github.Response, err error) error {
	if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func convertUser(u *github.User) models.GitHubUser {
	return models.GitHubUser{
		ID:    u.GetID(),
		Login: u.GetLogin(),
		Name:  u.GetName(),
		Email: u.GetEmail(),
	}
}

func convertRepository(r *github.Repository) models.GitHubRepository {
	return models.GitHubRepository{
		ID:          r.GetID(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		Description: r.GetDescription(),
		Archived:    r.GetArchived(),
	}
}

func convertRepositories(repos []*github.Repository) []models.GitHubRepository {
	result := make([]models.GitHubRepository, 0, len(repos))
	for _, r := range repos {
		result = append(result, convertRepository(r))
	}
	return result
}

func convertMilestone(repository string, m *github.Milestone) models.GitHubMilestone {
	return models.GitHubMilestone{
		ID:          m.GetID(),
		Number:      m.GetNumber(),
		Repository:  repository,
		Title:       m.GetTitle(),
		Description: m.GetDescription(),
		State:       m.GetState(),
		DueOn:       m.DueOn,
	}
}

// convertIssues converts issues to the internal model, skipping pull
// requests which the issues API also returns.
func convertIssues(repository string, issues []*github.Issue) []models.GitHubIssue {
	var result []models.GitHubIssue
	for _, issue := range issues {
		if issue.PullRequestLinks != nil {
			continue
		}
		result = append(result, convertIssue(repository, issue))
	}
	return result
}

func convertIssue(repository string, issue *github.Issue) models.GitHubIssue {
	labelNames := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labelNames = append(labelNames, label.GetName())
	}

	return models.GitHubIssue{
		ID:          issue.GetID(),
		Number:      issue.GetNumber(),
		Repository:  repository,
		Title:       issue.GetTitle(),
		Description: issue.GetBody(),
		State:       issue.GetState(),
		Milestone:   issue.GetMilestone().GetNumber(),
		Assignee:    issue.GetAssignee().GetLogin(),
		URL:         issue.GetHTMLURL(),
		CreatedAt:   issue.GetCreatedAt(),
		UpdatedAt:   issue.GetUpdatedAt(),
		ClosedAt:    issue.ClosedAt,
		Labels:      labelNames,
	}
}
