// Package cmd provides the command-line interface for tether.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/tether/internal/logging"
)

const appName = "tether"

var (
	configPath string
	logToFile  bool
	logFile    *os.File
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Tether keeps Jira projects and GitHub repositories in step",
	Long: `Tether reconciles two project-management systems of record, Jira and GitHub.

Projects, versions, tasks and users created or changed on one side are
created or updated on the other. Links between the two are kept in a local
state database so every cycle only looks at what changed since the last one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !logToFile {
			return nil
		}
		f, err := logging.OpenLogFile(appName)
		if err != nil {
			return err
		}
		logFile = f
		logging.SetupLogger(logging.Tee(f), logLevel())
		logging.Debug("logging to file", "path", f.Name())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

// Execute adds all child commands to the root command and runs it until
// it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default ./tether.yaml or ~/.tether/tether.yaml)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "also write logs to ~/.tether/logs")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func logLevel() logging.LogLevel {
	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if level == "" {
		return logging.LevelInfo
	}
	return logging.LogLevel(level)
}
