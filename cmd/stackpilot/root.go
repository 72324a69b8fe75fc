package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/artpar/stackpilot/internal/engine"
	"github.com/artpar/stackpilot/internal/shell/certs"
	"github.com/artpar/stackpilot/internal/shell/diagnose"
	"github.com/artpar/stackpilot/internal/shell/docker"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Wiring
// =============================================================================

// app holds the collaborators every command shares. They are built once in
// the root command's PersistentPreRunE, after flags are parsed.
type app struct {
	cfg    *Config
	logger *slog.Logger
	engine *engine.Engine
}

func (a *app) init(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return &exitCodeError{code: ExitConfigError, message: fmt.Sprintf("configuration error: %v", err)}
	}
	a.cfg = cfg
	a.logger = SetupLogger(cfg)

	client, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		return err
	}
	driver := docker.NewDriver(client, a.logger)
	st := store.New(cfg.Store.Dir, store.WithRetention(cfg.Store.SnapshotRetention))
	manager := certs.NewManager(cfg.Data.Dir, driver, a.logger)
	prober := diagnose.NewProber(cfg.Diagnose.Interval, cfg.Diagnose.Ceiling, a.logger)

	a.engine = engine.New(st, driver, manager, prober, cfg.Data.Dir, a.logger)
	return nil
}

// =============================================================================
// Root Command
// =============================================================================

func newRootCommand() *cobra.Command {
	a := &app{}
	var configPath string

	root := &cobra.Command{
		Use:           "stackpilot",
		Short:         "Manage a single-host application stack",
		Long:          "stackpilot compiles one declarative configuration into a running container stack:\napplication server, databases, computation workers and a TLS-terminating edge proxy.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to tool settings file")

	root.AddCommand(
		newVersionCommand(),
		newSetupCommand(a),
		newUpCommand(a),
		newDownCommand(a),
		newStatusCommand(a),
		newResetCommand(a),
		newDiagnoseCommand(a),
		newConfigCommand(a),
		newProfileCommand(a),
		newCertCommand(a),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil // no collaborators needed
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stackpilot %s (built %s)\n", Version, BuildTime)
		},
	}
}
