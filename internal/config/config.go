// Package config provides centralized configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration parameters for the application.
type Config struct {
	GitHub GitHubConfig
	Jira   JiraConfig
	Sync   SyncConfig
}

// GitHubConfig holds GitHub specific configuration.
type GitHubConfig struct {
	Token  string
	Domain string
	// Owner is the user or organization whose repositories are synchronized.
	Owner string
	// Repositories restricts synchronization to these repositories. Empty
	// means every repository of Owner.
	Repositories []string
	// Label restricts unlinked issues to those carrying it.
	Label              string
	PriorityLevels     int
	AcceptURLs         bool
	CreateRepositories bool
	CreateIssues       bool
}

// JiraConfig holds JIRA specific configuration.
type JiraConfig struct {
	BaseURL  string
	Username string
	Token    string
	// Projects restricts synchronization to these project keys.
	Projects        []string
	CreateProjects  bool
	ProjectTemplate string
	CreateIssues    bool
	CreateUsers     bool
	TaskType        string
	FeatureType     string
	UpdateURL       bool
	// StatusMap maps a Jira status name onto open, completed, closed or rejected.
	StatusMap map[string]string
	// TransitionMap maps a state onto the name of the transition reaching it.
	TransitionMap map[string]string
}

// SyncConfig holds the reconciliation loop configuration.
type SyncConfig struct {
	Interval    time.Duration
	StateDB     string
	ForceJira   bool
	ForceGitHub bool
	// Users maps GitHub logins onto Jira user names.
	Users map[string]string
}

// setDefaults registers the values used when neither a file nor the
// environment sets a key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("github.domain", "github.com")
	v.SetDefault("github.priority_levels", 5)
	v.SetDefault("github.accept_urls", true)
	v.SetDefault("github.create_issues", true)
	v.SetDefault("jira.create_issues", true)
	v.SetDefault("jira.task_type", "Task")
	v.SetDefault("jira.feature_type", "Feature")
	v.SetDefault("jira.update_url", true)
	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.state_db", "tether.db")
}

// LoadConfig loads configuration from the file at path (optional) and the
// environment. Environment variables take precedence over the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	// Map specific environment variables
	v.BindEnv("github.token", "GITHUB_TOKEN")
	v.BindEnv("github.domain", "GITHUB_DOMAIN")
	v.BindEnv("github.owner", "GITHUB_OWNER")
	v.BindEnv("jira.url", "JIRA_URL")
	v.BindEnv("jira.username", "JIRA_USERNAME")
	v.BindEnv("jira.token", "JIRA_TOKEN")
	v.BindEnv("sync.interval", "TETHER_INTERVAL")
	v.BindEnv("sync.state_db", "TETHER_STATE_DB")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tether")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tether")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	domain := v.GetString("github.domain")
	if domain == "" {
		domain = "github.com"
	}

	config := &Config{
		GitHub: GitHubConfig{
			Token:              v.GetString("github.token"),
			Domain:             domain,
			Owner:              v.GetString("github.owner"),
			Repositories:       v.GetStringSlice("github.repositories"),
			Label:              v.GetString("github.label"),
			PriorityLevels:     v.GetInt("github.priority_levels"),
			AcceptURLs:         v.GetBool("github.accept_urls"),
			CreateRepositories: v.GetBool("github.create_repositories"),
			CreateIssues:       v.GetBool("github.create_issues"),
		},
		Jira: JiraConfig{
			BaseURL:         v.GetString("jira.url"),
			Username:        v.GetString("jira.username"),
			Token:           v.GetString("jira.token"),
			Projects:        v.GetStringSlice("jira.projects"),
			CreateProjects:  v.GetBool("jira.create_projects"),
			ProjectTemplate: v.GetString("jira.project_template"),
			CreateIssues:    v.GetBool("jira.create_issues"),
			CreateUsers:     v.GetBool("jira.create_users"),
			TaskType:        v.GetString("jira.task_type"),
			FeatureType:     v.GetString("jira.feature_type"),
			UpdateURL:       v.GetBool("jira.update_url"),
			StatusMap:       v.GetStringMapString("jira.status_map"),
			TransitionMap:   v.GetStringMapString("jira.transition_map"),
		},
		Sync: SyncConfig{
			Interval:    v.GetDuration("sync.interval"),
			StateDB:     v.GetString("sync.state_db"),
			ForceJira:   v.GetBool("sync.force_jira"),
			ForceGitHub: v.GetBool("sync.force_github"),
			Users:       v.GetStringMapString("sync.users"),
		},
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validateConfig ensures that all required configuration values are provided.
func validateConfig(config *Config) error {
	var missingVars []string

	// GitHub validation
	if config.GitHub.Token == "" {
		missingVars = append(missingVars, "GITHUB_TOKEN")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if config.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", config.Sync.Interval)
	}
	if config.GitHub.PriorityLevels < 0 {
		return fmt.Errorf("github priority levels must not be negative, got %d", config.GitHub.PriorityLevels)
	}
	for status, state := range config.Jira.StatusMap {
		switch strings.ToLower(state) {
		case "open", "completed", "closed", "rejected":
		default:
			return fmt.Errorf("jira status %q maps to unknown state %q", status, state)
		}
	}

	return nil
}

// ValidateJiraConfig validates JIRA-specific configuration.
func ValidateJiraConfig(config *Config) error {
	var missingVars []string

	// JIRA validation
	if config.Jira.BaseURL == "" {
		missingVars = append(missingVars, "JIRA_URL")
	}
	if config.Jira.Username == "" {
		missingVars = append(missingVars, "JIRA_USERNAME")
	}
	if config.Jira.Token == "" {
		missingVars = append(missingVars, "JIRA_TOKEN")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}

// ValidateGitHubConfig validates GitHub-specific configuration.
func ValidateGitHubConfig(config *Config) error {
	if config.GitHub.Owner == "" && len(config.GitHub.Repositories) == 0 {
		return fmt.Errorf("missing required configuration: GITHUB_OWNER or github.repositories")
	}
	for _, repo := range config.GitHub.Repositories {
		if !strings.Contains(repo, "/") && config.GitHub.Owner == "" {
			return fmt.Errorf("repository %q needs an owner: use owner/repo or set GITHUB_OWNER", repo)
		}
	}
	return nil
}
