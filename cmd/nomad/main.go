package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ddcodepl/nomad/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const configFileName = "nomad.yaml"

func newRootCmd() *cobra.Command {
	var (
		refine       bool
		prepare      bool
		queued       bool
		multi        bool
		configHelp   bool
		configCreate bool
		configStatus bool
		healthCheck  bool
		workingDir   string
		showVersion  bool
	)

	cmd := &cobra.Command{
		Use:   "nomad",
		Short: "NOMAD — autonomous kanban task-board orchestrator",
		Long:  "NOMAD polls a kanban-style task board and drives tasks through refinement, decomposition, and code generation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "nomad %s (commit: %s, built: %s)\n", Version, Commit, Date)
				return nil
			}
			if workingDir != "" {
				if err := os.Chdir(workingDir); err != nil {
					return fmt.Errorf("--working-dir: %w", err)
				}
			}

			switch {
			case configHelp:
				return runConfigHelp(cmd)
			case configCreate:
				return runConfigCreate(cmd)
			case configStatus:
				return runConfigStatus(cmd)
			}

			cfg, err := config.Load(configFileName)
			if err != nil {
				return err
			}

			if healthCheck {
				return runHealthCheck(cmd, cfg)
			}

			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}

			switch {
			case refine:
				return runOneShotRefine(ctx, a)
			case prepare:
				return runOneShotPrepare(ctx, a)
			case queued:
				return runOneShotQueued(ctx, a)
			case multi:
				a.dispatch.RunOnce(ctx)
				return nil
			default:
				return runContinuous(ctx, a)
			}
		},
	}

	cmd.Flags().BoolVar(&refine, "refine", false, "one-shot refinement pass")
	cmd.Flags().BoolVar(&prepare, "prepare", false, "one-shot prepare pass (processes one ticket)")
	cmd.Flags().BoolVar(&queued, "queued", false, "one-shot queued run")
	cmd.Flags().BoolVar(&multi, "multi", false, "one-shot multi-status pass")
	cmd.Flags().BoolVar(&configHelp, "config-help", false, "print configuration file documentation")
	cmd.Flags().BoolVar(&configCreate, "config-create", false, "write a default nomad.yaml in the working directory")
	cmd.Flags().BoolVar(&configStatus, "config-status", false, "print the effective configuration")
	cmd.Flags().BoolVar(&healthCheck, "health-check", false, "run a one-shot health check and exit")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "override the current working directory")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print version information")

	return cmd
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for graceful
// shutdown of the continuous dispatcher and any in-flight dashboard server.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		stop()
	}()
	return ctx, func() { signal.Stop(sigCh); stop() }
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

// absConfigPath is used by config-status/config-create to print an
// unambiguous path even though Load accepts a relative one.
func absConfigPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return configFileName
	}
	return filepath.Join(wd, configFileName)
}
