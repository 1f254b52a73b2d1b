package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/github"
	"github.com/danielolaszy/tether/internal/identity"
	"github.com/danielolaszy/tether/internal/jira"
	"github.com/danielolaszy/tether/internal/logging"
	"github.com/danielolaszy/tether/internal/reconcile"
)

type syncOptions struct {
	once        bool
	interval    time.Duration
	forceJira   bool
	forceGitHub bool
}

var syncOpts syncOptions

// syncCmd runs reconciliation cycles between Jira and GitHub.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize Jira and GitHub",
	Long: `Synchronize Jira and GitHub in both directions.

Every cycle first reconciles Jira into GitHub and then GitHub into Jira:

1. Projects map onto repositories; missing ones are created when enabled
2. Unreleased versions map onto open milestones
3. Tasks changed since the previous cycle are created or updated on the other side
4. Features keep their child tasks, listed in GitHub under a '## Issues' section

By default cycles run forever, one per sync interval. Use --once to run a
single cycle and print what it did.

Example:
  tether sync --once --force-github`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), cmd.OutOrStdout(), syncOpts)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncOpts.once, "once", false, "run a single cycle and exit")
	syncCmd.Flags().DurationVar(&syncOpts.interval, "interval", 0, "time between cycles (overrides sync.interval)")
	syncCmd.Flags().BoolVar(&syncOpts.forceJira, "force-jira", false, "rescan every Jira task on the first cycle")
	syncCmd.Flags().BoolVar(&syncOpts.forceGitHub, "force-github", false, "rescan every GitHub issue on the first cycle")
}

func runSync(ctx context.Context, out io.Writer, opts syncOptions) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.ValidateJiraConfig(cfg); err != nil {
		return err
	}
	if err := config.ValidateGitHubConfig(cfg); err != nil {
		return err
	}

	store, err := identity.Open(cfg.Sync.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer store.Close()

	jiraClient, err := jira.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize jira client: %w", err)
	}
	githubClient, err := github.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize github client: %w", err)
	}

	log := logging.GetLogger()
	jiraProvider := jira.NewProvider(jiraClient,
		reconcile.NewLinks(store, jira.SystemName, github.SystemName),
		jira.OptionsFromConfig(cfg), log)
	githubProvider := github.NewProvider(githubClient,
		reconcile.NewLinks(store, github.SystemName, jira.SystemName),
		github.OptionsFromConfig(cfg), log)

	err = checkBackend(ctx, jiraProvider, func(ctx context.Context) error {
		_, err := jiraClient.Myself(ctx)
		return err
	})
	if err != nil {
		return err
	}
	err = checkBackend(ctx, githubProvider, func(ctx context.Context) error {
		_, err := githubClient.CurrentUser(ctx)
		return err
	})
	if err != nil {
		return err
	}

	cycle := reconcile.NewCycle(jiraProvider, githubProvider, log)
	cycle.ForceA = opts.forceJira || cfg.Sync.ForceJira
	cycle.ForceB = opts.forceGitHub || cfg.Sync.ForceGitHub

	interval := cfg.Sync.Interval
	if opts.interval > 0 {
		interval = opts.interval
	}
	return runCycles(ctx, out, cycle, opts.once, interval)
}

// checkBackend fails when the backend cannot be reached or offers nothing
// to synchronize.
func checkBackend(ctx context.Context, p reconcile.Provider, ping func(context.Context) error) error {
	if err := ping(ctx); err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.Name(), err)
	}
	projects := p.ListProjects(ctx)
	if len(projects) == 0 {
		return fmt.Errorf("no %s projects available for synchronization", p.Name())
	}
	logging.Info("backend ready", "backend", p.Name(), "projects", len(projects))
	return nil
}

func runCycles(ctx context.Context, out io.Writer, cycle *reconcile.Cycle, once bool, interval time.Duration) error {
	if !once {
		cycle.Run(ctx, interval)
		return nil
	}

	report, err := cycle.RunOnce(ctx)
	if err != nil {
		return err
	}
	printCycleReport(out, cycle.A.Name(), cycle.B.Name(), report)

	if failed := report.AtoB.Failed + report.BtoA.Failed; failed > 0 {
		return fmt.Errorf("%d tasks failed to synchronize", failed)
	}
	return nil
}

func printCycleReport(out io.Writer, a, b string, report reconcile.CycleReport) {
	fmt.Fprintf(out, "Cycle %s\n", report.ID)
	printPass(out, a, b, report.AtoB)
	printPass(out, b, a, report.BtoA)
}

func printPass(out io.Writer, source, target string, r reconcile.Report) {
	fmt.Fprintf(out, "\n%s -> %s:\n", source, target)
	fmt.Fprintf(out, "- Projects synchronized: %d (skipped %d)\n", r.Projects, r.Skipped)
	fmt.Fprintf(out, "- Versions synchronized: %d\n", r.Versions)
	fmt.Fprintf(out, "- Tasks checked: %d\n", r.Tasks)
	fmt.Fprintf(out, "- Tasks changed: %d\n", r.Changed)
	fmt.Fprintf(out, "- Tasks failed: %d\n", r.Failed)
}
