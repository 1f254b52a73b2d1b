// Package models defines data structures shared across the application.
package models

import (
	"strings"
	"time"
)

// GitHubIssue represents a GitHub issue with its essential fields
type GitHubIssue struct {
	// ID is the issue's global id
	ID int64

	// Number is the issue number in GitHub (e.g., 42)
	Number int

	// Repository is the issue's repository in the format "owner/repo"
	Repository string

	// Title is the issue's title or summary
	Title string

	// Description is the full body text of the issue
	Description string

	// State is the current state of the issue ("open" or "closed")
	State string

	// Milestone is the number of the issue's milestone, 0 if it has none
	Milestone int

	// Assignee is the login of the first assignee, empty if unassigned
	Assignee string

	// URL is the issue's web page
	URL string

	// CreatedAt is the timestamp when the issue was created
	CreatedAt time.Time

	// UpdatedAt is the timestamp when the issue was last updated
	UpdatedAt time.Time

	// ClosedAt is the timestamp when the issue was closed
	ClosedAt *time.Time

	// Labels is a slice of label names attached to the issue
	Labels []string
}

// HasLabel reports whether the issue carries label, ignoring case.
func (i GitHubIssue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// GitHubMilestone represents a milestone, the GitHub equivalent of a release.
type GitHubMilestone struct {
	ID          int64
	Number      int
	Repository  string
	Title       string
	Description string
	State       string
	DueOn       *time.Time
}

// GitHubRepository represents a repository, the GitHub equivalent of a project.
type GitHubRepository struct {
	ID          int64
	Owner       string
	Name        string
	Description string
	Archived    bool
}

// FullName returns the repository in the format "owner/repo".
func (r GitHubRepository) FullName() string {
	return r.Owner + "/" + r.Name
}

// GitHubUser represents a GitHub account.
type GitHubUser struct {
	ID    int64
	Login string
	Name  string
	Email string
}

// JiraTicket represents a JIRA ticket with its key properties.
type JiraTicket struct {
	// ID is the numeric JIRA issue id (e.g., "10042")
	ID string

	// Key is the full JIRA ticket identifier (e.g., "ABC-123")
	Key string

	// Title is the ticket's summary field
	Title string

	// Description is the full body text of the ticket
	Description string

	// Type is the JIRA issue type (e.g., "Story", "Feature", "Task")
	Type string

	// Subtask is set when the issue type is a sub-task type
	Subtask bool

	ProjectID  string
	ProjectKey string

	// Status is the workflow status name (e.g., "In Progress")
	Status string

	// StatusCategory is the status category key ("new", "indeterminate" or "done")
	StatusCategory string

	// PriorityID is the id of the ticket's priority, empty if unset
	PriorityID string

	Assignee *JiraUser

	// FixVersions holds the ids of the versions the ticket is fixed in
	FixVersions []string

	// ParentID is the id of the parent issue of a sub-task
	ParentID string

	Updated time.Time
}

// JiraProject represents a JIRA project.
type JiraProject struct {
	ID          string
	Key         string
	Name        string
	Description string
	TypeKey     string
}

// JiraVersion represents a JIRA project version.
type JiraVersion struct {
	ID          string
	Name        string
	Description string
	ProjectID   int
	Released    bool
	Archived    bool
}

// JiraUser represents a JIRA account.
type JiraUser struct {
	AccountID   string
	Name        string
	DisplayName string
	Email       string
}

// JiraTransition represents a workflow transition available on a ticket.
type JiraTransition struct {
	ID       string
	Name     string
	ToStatus string
	// ToCategory is the status category key of ToStatus
	ToCategory string
}

// JiraPriority represents one entry of the priority scheme, highest first.
type JiraPriority struct {
	ID   string
	Name string
}
