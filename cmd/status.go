package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danielolaszy/tether/internal/config"
	"github.com/danielolaszy/tether/internal/identity"
)

var statusOutput string

// statusCmd reports what the state database links.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the synchronization state",
	Long: `Show how many entities the state database links, per system and kind,
and when each project was last synchronized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		store, err := identity.Open(cfg.Sync.StateDB)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		defer store.Close()

		return writeStatus(cmd.OutOrStdout(), store, statusOutput)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text or yaml")
}

type statusReport struct {
	Links      map[identity.Tag]int `yaml:"links"`
	Watermarks map[identity.Tag]int `yaml:"watermarks"`
	// Projects lists the project watermarks, which bound the next
	// incremental query.
	Projects []identity.Mark `yaml:"projects"`
}

func collectStatus(store identity.Store) (statusReport, error) {
	report := statusReport{
		Links:      make(map[identity.Tag]int),
		Watermarks: make(map[identity.Tag]int),
	}

	links, err := store.Links()
	if err != nil {
		return report, fmt.Errorf("failed to read links: %w", err)
	}
	for _, l := range links {
		report.Links[l.Tag]++
	}

	marks, err := store.Watermarks()
	if err != nil {
		return report, fmt.Errorf("failed to read watermarks: %w", err)
	}
	for _, m := range marks {
		report.Watermarks[m.Tag]++
		if m.Tag.Kind() == "project" {
			report.Projects = append(report.Projects, m)
		}
	}
	sort.Slice(report.Projects, func(i, j int) bool {
		if report.Projects[i].Tag != report.Projects[j].Tag {
			return report.Projects[i].Tag < report.Projects[j].Tag
		}
		return report.Projects[i].ID < report.Projects[j].ID
	})
	return report, nil
}

func writeStatus(out io.Writer, store identity.Store, format string) error {
	report, err := collectStatus(store)
	if err != nil {
		return err
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	case "text", "":
		fmt.Fprintln(out, "Links:")
		printCounts(out, report.Links)
		fmt.Fprintln(out, "\nWatermarks:")
		printCounts(out, report.Watermarks)
		fmt.Fprintln(out, "\nProjects last synchronized:")
		if len(report.Projects) == 0 {
			fmt.Fprintln(out, "- never")
		}
		for _, m := range report.Projects {
			fmt.Fprintf(out, "- %s %d: %s\n", m.Tag.System(), m.ID, m.At.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q, expected text or yaml", format)
	}
}

func printCounts(out io.Writer, counts map[identity.Tag]int) {
	if len(counts) == 0 {
		fmt.Fprintln(out, "- none")
		return
	}
	tags := make([]identity.Tag, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tag := range tags {
		fmt.Fprintf(out, "- %s: %d\n", tag, counts[tag])
	}
}
