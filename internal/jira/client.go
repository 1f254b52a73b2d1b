// Package jira implements the Jira backend: a REST client built on go-jira and
// the provider that exposes Jira projects, versions, issues and users to the
// reconciliation engine.
package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/pkg/models"
)

// searchPageSize is the number of issues fetched per search request.
const searchPageSize = 100

// ErrNotFound is returned when Jira answers 404 for a project, version or
// issue.
var ErrNotFound = errors.New("not found")

// IssueSpec describes an issue to create.
type IssueSpec struct {
	ProjectKey  string
	Type        string
	Summary     string
	Description string
	PriorityID  string
	VersionID   string
	Assignee    *models.JiraUser
}

// ProjectSpec describes a project to create.
type ProjectSpec struct {
	Key         string
	Name        string
	Description string
	TypeKey     string
	Lead        models.JiraUser
}

// Client handles interactions with the JIRA API
type Client struct {
	client  *jira.Client
	baseURL string
}

// NewClient creates a new JIRA client authenticating with basic auth.
func NewClient(cfg *config.Config) (*Client, error) {
	if err := config.ValidateJiraConfig(cfg); err != nil {
		return nil, err
	}

	tp := jira.BasicAuthTransport{
		Username: cfg.Jira.Username,
		Password: cfg.Jira.Token,
	}

	logging.Info("jira configuration",
		"url", cfg.Jira.BaseURL,
		"username", cfg.Jira.Username,
		"token", logging.MaskSensitive(cfg.Jira.Token))

	return newClient(tp.Client(), cfg.Jira.BaseURL)
}

func newClient(httpClient *http.Client, baseURL string) (*Client, error) {
	client, err := jira.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}
	return &Client{client: client, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Myself returns the authenticated user, which also checks the credentials.
func (c *Client) Myself(ctx context.Context) (models.JiraUser, error) {
	user, _, err := c.client.User.GetSelfWithContext(ctx)
	if err != nil {
		return models.JiraUser{}, fmt.Errorf("failed to authenticate with jira: %w", err)
	}
	return convertUser(*user), nil
}

// Projects lists every project visible to the user.
func (c *Client) Projects(ctx context.Context) ([]models.JiraProject, error) {
	list, _, err := c.client.Project.GetListWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jira projects: %w", err)
	}

	result := make([]models.JiraProject, 0, len(*list))
	for _, p := range *list {
		result = append(result, models.JiraProject{
			ID:      p.ID,
			Key:     p.Key,
			Name:    p.Name,
			TypeKey: p.ProjectTypeKey,
		})
	}
	return result, nil
}

// Project fetches a project by id or key together with its versions in
// Jira order.
func (c *Client) Project(ctx context.Context, idOrKey string) (models.JiraProject, []models.JiraVersion, error) {
	p, resp, err := c.client.Project.GetWithContext(ctx, idOrKey)
	if err != nil {
		return models.JiraProject{}, nil, fmt.Errorf("failed to get jira project %s: %w", idOrKey, notFound(resp, err))
	}

	versions := make([]models.JiraVersion, 0, len(p.Versions))
	for _, v := range p.Versions {
		versions = append(versions, convertVersion(v))
	}

	return models.JiraProject{
		ID:          p.ID,
		Key:         p.Key,
		Name:        p.Name,
		Description: p.Description,
	}, versions, nil
}

// ProjectLead returns the lead of a project.
func (c *Client) ProjectLead(ctx context.Context, idOrKey string) (models.JiraUser, error) {
	p, _, err := c.client.Project.GetWithContext(ctx, idOrKey)
	if err != nil {
		return models.JiraUser{}, fmt.Errorf("failed to get jira project %s: %w", idOrKey, err)
	}
	return convertUser(p.Lead), nil
}

// CreateProject creates a project. go-jira has no project creation call so
// the request is built by hand.
func (c *Client) CreateProject(ctx context.Context, spec ProjectSpec) (models.JiraProject, error) {
	body := map[string]interface{}{
		"key":            spec.Key,
		"name":           spec.Name,
		"description":    spec.Description,
		"projectTypeKey": spec.TypeKey,
	}
	switch {
	case spec.Lead.AccountID != "":
		body["leadAccountId"] = spec.Lead.AccountID
	case spec.Lead.Name != "":
		body["lead"] = spec.Lead.Name
	}

	req, err := c.client.NewRequestWithContext(ctx, http.MethodPost, "rest/api/2/project", body)
	if err != nil {
		return models.JiraProject{}, fmt.Errorf("failed to build project request: %w", err)
	}

	var created struct {
		ID  json64 `json:"id"`
		Key string `json:"key"`
	}
	if _, err := c.client.Do(req, &created); err != nil {
		return models.JiraProject{}, fmt.Errorf("failed to create jira project %s: %w", spec.Key, err)
	}

	logging.Info("created jira project", "key", created.Key, "name", spec.Name)
	return models.JiraProject{
		ID:          string(created.ID),
		Key:         created.Key,
		Name:        spec.Name,
		Description: spec.Description,
		TypeKey:     spec.TypeKey,
	}, nil
}

// Version fetches one version.
func (c *Client) Version(ctx context.Context, id string) (models.JiraVersion, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return models.JiraVersion{}, fmt.Errorf("invalid jira version id %q: %w", id, err)
	}
	v, resp, err := c.client.Version.GetWithContext(ctx, n)
	if err != nil {
		return models.JiraVersion{}, fmt.Errorf("failed to get jira version %s: %w", id, notFound(resp, err))
	}
	return convertVersion(*v), nil
}

// CreateVersion creates a version in the project identified by v.ProjectID.
func (c *Client) CreateVersion(ctx context.Context, v models.JiraVersion) (models.JiraVersion, error) {
	created, _, err := c.client.Version.CreateWithContext(ctx, &jira.Version{
		Name:        v.Name,
		Description: v.Description,
		ProjectID:   v.ProjectID,
	})
	if err != nil {
		return models.JiraVersion{}, fmt.Errorf("failed to create jira version %s: %w", v.Name, err)
	}
	logging.Info("created jira version", "id", created.ID, "name", created.Name)
	return convertVersion(*created), nil
}

// MoveVersion places a version directly after another one.
func (c *Client) MoveVersion(ctx context.Context, id, afterID string) error {
	body := map[string]string{
		"after": fmt.Sprintf("%s/rest/api/2/version/%s", c.baseURL, afterID),
	}
	req, err := c.client.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("rest/api/2/version/%s/move", id), body)
	if err != nil {
		return fmt.Errorf("failed to build version move request: %w", err)
	}
	if _, err := c.client.Do(req, nil); err != nil {
		return fmt.Errorf("failed to move jira version %s after %s: %w", id, afterID, err)
	}
	return nil
}

// Issue fetches one issue by id or key.
func (c *Client) Issue(ctx context.Context, idOrKey string) (models.JiraTicket, error) {
	issue, resp, err := c.client.Issue.GetWithContext(ctx, idOrKey, nil)
	if err != nil {
		return models.JiraTicket{}, fmt.Errorf("failed to get jira issue %s: %w", idOrKey, notFound(resp, err))
	}
	return convertIssue(*issue), nil
}

// SearchIssues runs a JQL query, following every result page.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]models.JiraTicket, error) {
	logging.Debug("searching jira issues", "jql", jql)

	var result []models.JiraTicket
	err := c.client.Issue.SearchPagesWithContext(ctx, jql, &jira.SearchOptions{MaxResults: searchPageSize},
		func(issue jira.Issue) error {
			result = append(result, convertIssue(issue))
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to search jira issues: %w", err)
	}
	return result, nil
}

// CreateIssue creates an issue and returns it as stored by Jira.
func (c *Client) CreateIssue(ctx context.Context, spec IssueSpec) (models.JiraTicket, error) {
	fields := &jira.IssueFields{
		Project:     jira.Project{Key: spec.ProjectKey},
		Summary:     spec.Summary,
		Description: spec.Description,
		Type:        jira.IssueType{Name: spec.Type},
	}
	if spec.PriorityID != "" {
		fields.Priority = &jira.Priority{ID: spec.PriorityID}
	}
	if spec.VersionID != "" {
		fields.FixVersions = []*jira.FixVersion{{ID: spec.VersionID}}
	}
	if spec.Assignee != nil {
		fields.Assignee = &jira.User{AccountID: spec.Assignee.AccountID, Name: spec.Assignee.Name}
	}

	created, _, err := c.client.Issue.CreateWithContext(ctx, &jira.Issue{Fields: fields})
	if err != nil {
		return models.JiraTicket{}, fmt.Errorf("failed to create jira issue in %s: %w", spec.ProjectKey, err)
	}
	logging.Info("created jira issue", "key", created.Key, "summary", spec.Summary)

	// the create response carries only id and key
	return c.Issue(ctx, created.Key)
}

// UpdateIssue sets the given fields on an issue.
func (c *Client) UpdateIssue(ctx context.Context, idOrKey string, fields map[string]interface{}) error {
	if _, err := c.client.Issue.UpdateIssueWithContext(ctx, idOrKey, map[string]interface{}{"fields": fields}); err != nil {
		return fmt.Errorf("failed to update jira issue %s: %w", idOrKey, err)
	}
	return nil
}

// DeleteIssue removes an issue.
func (c *Client) DeleteIssue(ctx context.Context, idOrKey string) error {
	if _, err := c.client.Issue.DeleteWithContext(ctx, idOrKey); err != nil {
		return fmt.Errorf("failed to delete jira issue %s: %w", idOrKey, err)
	}
	return nil
}

// Transitions lists the workflow transitions available on an issue.
func (c *Client) Transitions(ctx context.Context, idOrKey string) ([]models.JiraTransition, error) {
	transitions, _, err := c.client.Issue.GetTransitionsWithContext(ctx, idOrKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions of jira issue %s: %w", idOrKey, err)
	}
	result := make([]models.JiraTransition, 0, len(transitions))
	for _, t := range transitions {
		result = append(result, models.JiraTransition{
			ID:         t.ID,
			Name:       t.Name,
			ToStatus:   t.To.Name,
			ToCategory: t.To.StatusCategory.Key,
		})
	}
	return result, nil
}

// DoTransition moves an issue through a workflow transition.
func (c *Client) DoTransition(ctx context.Context, idOrKey, transitionID string) error {
	if _, err := c.client.Issue.DoTransitionWithContext(ctx, idOrKey, transitionID); err != nil {
		return fmt.Errorf("failed to transition jira issue %s: %w", idOrKey, err)
	}
	return nil
}

// Priorities returns the priority scheme, highest first.
func (c *Client) Priorities(ctx context.Context) ([]models.JiraPriority, error) {
	priorities, _, err := c.client.Priority.GetListWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jira priorities: %w", err)
	}
	result := make([]models.JiraPriority, 0, len(priorities))
	for _, p := range priorities {
		result = append(result, models.JiraPriority{ID: p.ID, Name: p.Name})
	}
	return result, nil
}

// FindUsers searches users by name, user name or e-mail address.
func (c *Client) FindUsers(ctx context.Context, query string) ([]models.JiraUser, error) {
	users, _, err := c.client.User.FindWithContext(ctx, query, jira.WithMaxResults(10))
	if err != nil {
		return nil, fmt.Errorf("failed to search jira users for %q: %w", query, err)
	}
	result := make([]models.JiraUser, 0, len(users))
	for _, u := range users {
		result = append(result, convertUser(u))
	}
	return result, nil
}

// CreateUser creates a user account.
func (c *Client) CreateUser(ctx context.Context, u models.JiraUser) (models.JiraUser, error) {
	created, _, err := c.client.User.CreateWithContext(ctx, &jira.User{
		Name:         u.Name,
		EmailAddress: u.Email,
		DisplayName:  u.DisplayName,
	})
	if err != nil {
		return models.JiraUser{}, fmt.Errorf("failed to create jira user %s: %w", u.Name, err)
	}
	logging.Info("created jira user", "name", created.Name)
	return convertUser(*created), nil
}

// notFound replaces err with ErrNotFound when Jira answered 404.
func notFound(resp *jira.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func convertVersion(v jira.Version) models.JiraVersion {
	return models.JiraVersion{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		ProjectID:   v.ProjectID,
		Released:    v.Released != nil && *v.Released,
		Archived:    v.Archived != nil && *v.Archived,
	}
}

func convertUser(u jira.User) models.JiraUser {
	return models.JiraUser{
		AccountID:   u.AccountID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.EmailAddress,
	}
}

func convertIssue(issue jira.Issue) models.JiraTicket {
	ticket := models.JiraTicket{
		ID:  issue.ID,
		Key: issue.Key,
	}
	f := issue.Fields
	if f == nil {
		return ticket
	}

	ticket.Title = f.Summary
	ticket.Description = f.Description
	ticket.Type = f.Type.Name
	ticket.Subtask = f.Type.Subtask
	ticket.ProjectID = f.Project.ID
	ticket.ProjectKey = f.Project.Key
	ticket.Updated = time.Time(f.Updated)
	if f.Status != nil {
		ticket.Status = f.Status.Name
		ticket.StatusCategory = f.Status.StatusCategory.Key
	}
	if f.Priority != nil {
		ticket.PriorityID = f.Priority.ID
	}
	if f.Assignee != nil {
		u := convertUser(*f.Assignee)
		ticket.Assignee = &u
	}
	for _, v := range f.FixVersions {
		if v != nil {
			ticket.FixVersions = append(ticket.FixVersions, v.ID)
		}
	}
	if f.Parent != nil {
		ticket.ParentID = f.Parent.ID
	}
	return ticket
}

// json64 accepts an id encoded either as a JSON number or a string.
type json64 string

func (j *json64) UnmarshalJSON(b []byte) error {
	*j = json64(strings.Trim(string(b), `"`))
	return nil
}
