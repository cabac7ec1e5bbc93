package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createCheckCommand(c, globalFlags),
		createProbeCommand(c, globalFlags),
		createFallbackCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createVersionCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mlguard",
		Short: "Supervise an ML inference worker with a synthetic fallback",
		Long: `mlguard launches an ML inference worker, watches its /health endpoint
and falls back to a built-in synthetic responder when the worker cannot run.

Examples:
  mlguard serve --config mlguard.toml
  mlguard check                       # Can the worker runtime run here?
  mlguard probe http://127.0.0.1:5004 --wait 30s
  mlguard fallback --port 5005        # Run only the synthetic responder
  mlguard status                      # Ask a running host for its state`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor and host API",
		Long: `Run the supervisor state machine and serve the host API until SIGINT or
SIGTERM. Every launched worker and fallback is released before exit.

Examples:
  mlguard serve
  mlguard serve mlguard.toml
  MLGUARD_WORKER_PORT=6000 PORT=8080 mlguard serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return c.Serve(ServeFlags{ConfigPath: path})
		},
	}
}

func createCheckCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether the worker runtime and libraries are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(CheckFlags{ConfigPath: globalFlags.ConfigPath})
		},
	}
}

func createProbeCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &ProbeFlags{}
	cmd := &cobra.Command{
		Use:   "probe [endpoint]",
		Short: "Probe a worker endpoint once or until healthy",
		Long: `Probe GET /health (or /status) of a worker endpoint. Without an argument
the configured worker endpoint is used.

Examples:
  mlguard probe
  mlguard probe http://127.0.0.1:5005 --status
  mlguard probe --wait 30s`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.Endpoint = args[0]
			}
			return c.Probe(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Status, "status", false, "query /status instead of /health")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 2*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "retry with backoff until healthy or this long has passed")
	return cmd
}

func createFallbackCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &FallbackFlags{}
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Run only the synthetic fallback responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			flags.HostSet = cmd.Flags().Changed("host")
			flags.PortSet = cmd.Flags().Changed("port")
			return c.Fallback(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "listen port (default from config)")
	return cmd
}

func createStatusCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor state of a running host",
		Long: `Query a running mlguard host for its supervisor snapshot. The host URL
defaults to the configured server.listen and server.base_path.

Examples:
  mlguard status
  mlguard status --api-url http://10.0.0.5:5003 --health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return c.Status(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "host API URL (default from config)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.Health, "health", false, "show the host /health document instead")
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			c.Version()
		},
	}
}
