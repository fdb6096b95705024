package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/creditwatch/internal/auth"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// API connection; when APIUrl is empty commands read the configured store directly
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
	Insecure   bool
	JSON       bool
}

// RunFlags holds flags for watch and serve.
type RunFlags struct {
	Source string
	Path   string
	URL    string
	Listen string
}

// buildRoot creates the root command and attaches every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createWatchCommand(globalFlags, runFlags),
		createServeCommand(globalFlags, runFlags),
		createStatusCommand(globalFlags),
		createLatestCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createReportCommand(globalFlags),
		createDiagnosticsCommand(globalFlags),
		createSettingsCommand(globalFlags),
		createHashTokenCommand(),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "creditwatch",
		Short: "Watch a credit counter and track consumption pace",
		Long: `Creditwatch watches a credit popover, reads the displayed balance until
the readings agree, stores the confirmed value and reports how fast the
balance is being consumed against the billing cycle.

Examples:
  creditwatch watch --source=file --path=./page.html
  creditwatch serve --config=creditwatch.toml
  creditwatch report
  creditwatch settings set renewalDay 15
  creditwatch status --api-url=http://127.0.0.1:8787/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "talk to a running server instead of the local store, e.g. http://127.0.0.1:8787/api")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", os.Getenv("CREDITWATCH_API_TOKEN"), "bearer token for --api-url (default $CREDITWATCH_API_TOKEN)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification for --api-url")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON")

	return root
}

func addRunFlags(cmd *cobra.Command, f *RunFlags) {
	cmd.Flags().StringVar(&f.Source, "source", "", "source type: static, file or browser (overrides config)")
	cmd.Flags().StringVar(&f.Path, "path", "", "HTML file for static and file sources")
	cmd.Flags().StringVar(&f.URL, "url", "", "page URL for the browser source")
}

func createWatchCommand(globalFlags *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the source and print every confirmed value",
		Long: `Run the engine in the foreground. Each confirmed value is stored and
printed; press Ctrl-C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, *globalFlags, *f, false)
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

func createServeCommand(globalFlags *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine together with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, *globalFlags, *f, true)
		},
	}
	addRunFlags(cmd, f)
	cmd.Flags().StringVar(&f.Listen, "listen", "", "API listen address (overrides config)")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracker state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStatus(cmd, *globalFlags)
		},
	}
}

func createLatestCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Show the most recently stored count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdLatest(cmd, *globalFlags)
		},
	}
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List stored counts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdHistory(cmd, *globalFlags)
		},
	}
}

func createReportCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show the consumption pace for the current billing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdReport(cmd, *globalFlags)
		},
	}
}

func createDiagnosticsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:     "diagnostics",
		Aliases: []string{"stats", "failures"},
		Short:   "Show strategy statistics and recent extraction failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdDiagnostics(cmd, *globalFlags, clearAll)
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "erase statistics and failure logs")
	return cmd
}

func createSettingsCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change plan and display settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdSettings(cmd, *globalFlags)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdSetSetting(cmd, *globalFlags, args[0], args[1])
		},
	})
	return cmd
}

func createHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to use as server.auth.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
