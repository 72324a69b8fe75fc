package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/engine"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

// =============================================================================
// Setup
// =============================================================================

func newSetupCommand(a *app) *cobra.Command {
	var (
		params   engine.SetupParams
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the stack configuration",
		Long: `setup creates the configuration document: stack name, hosts, ports,
certificate strategy. Missing passwords are generated, a free private
subnet is allocated, and certificate material is prepared. Nothing is
deployed until 'up'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Strategy = stack.SSLStrategy(strategy)
			cfg, err := a.engine.Setup(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Printf("configured stack %q (%s)\n", cfg.StackName, cfg.SSL.Strategy)
			fmt.Printf("  hosts:         %v\n", cfg.Hosts)
			fmt.Printf("  external port: %d\n", cfg.ExternalPort)
			fmt.Printf("  http port:     %d\n", cfg.HTTPPort)
			if cfg.NetworkSubnet != "" {
				fmt.Printf("  subnet:        %s\n", cfg.NetworkSubnet)
			}
			fmt.Printf("  admin password: %s\n", cfg.AdminPassword)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.StackName, "name", "", "stack name, prefixes every resource")
	cmd.Flags().StringSliceVar(&params.Hosts, "host", nil, "hostname or IP the edge answers to (repeatable)")
	cmd.Flags().IntVar(&params.ExternalPort, "port", 0, "secure edge port")
	cmd.Flags().IntVar(&params.HTTPPort, "http-port", 0, "plaintext edge port")
	cmd.Flags().StringVar(&params.AdminPassword, "password", "", "administrator password (generated when empty)")
	cmd.Flags().StringVar(&strategy, "ssl", "", "certificate strategy: self-signed, letsencrypt, manual, none")
	cmd.Flags().StringVar(&params.CertPath, "cert", "", "certificate file (manual strategy)")
	cmd.Flags().StringVar(&params.KeyPath, "key", "", "private key file (manual strategy)")
	cmd.Flags().StringVar(&params.ContactEmail, "email", "", "renewal contact (letsencrypt strategy)")
	cmd.Flags().BoolVar(&params.Force, "force", false, "replace an existing configuration")
	return cmd
}

// =============================================================================
// Lifecycle
// =============================================================================

func newUpCommand(a *app) *cobra.Command {
	var removeOrphans bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Deploy or reconcile the stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.engine.Up(cmd.Context(), removeOrphans)
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("  %-24s %s: %v\n", r.Service, r.Action, r.Err)
					continue
				}
				fmt.Printf("  %-24s %s\n", r.Service, r.Action)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&removeOrphans, "remove-orphans", false, "remove containers of services no longer configured")
	return cmd
}

func newDownCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the stack, keeping containers and data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.Down(cmd.Context())
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the runtime state of every service",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := a.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, st := range statuses {
				fmt.Printf("  %-24s %s\n", st.Service, st.State)
			}
			return nil
		},
	}
}

func newResetCommand(a *app) *cobra.Command {
	var (
		containers bool
		volumes    bool
		network    bool
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove stack resources from the runtime",
		Long: `reset removes the selected runtime resources. Without flags it removes
containers and the network; data volumes survive unless --volumes or
--all is given. The configuration document is never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := docker.TeardownSelectors{Containers: containers, Volumes: volumes, Network: network}
			if all {
				sel = docker.TeardownSelectors{Containers: true, Volumes: true, Network: true}
			}
			if !sel.Containers && !sel.Volumes && !sel.Network {
				sel = docker.TeardownSelectors{Containers: true, Network: true}
			}
			return a.engine.Reset(cmd.Context(), sel)
		},
	}
	cmd.Flags().BoolVar(&containers, "containers", false, "remove containers")
	cmd.Flags().BoolVar(&volumes, "volumes", false, "remove data volumes")
	cmd.Flags().BoolVar(&network, "network", false, "remove the stack network")
	cmd.Flags().BoolVar(&all, "all", false, "remove everything")
	return cmd
}

// =============================================================================
// Diagnostics
// =============================================================================

func newDiagnoseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Probe the deployed stack; exit code is the failed-check count",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, failed, err := a.engine.Diagnose(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range results {
				mark := "ok"
				if !r.Passed {
					mark = "FAIL"
				}
				fmt.Printf("  [%-4s] %-12s %-32s attempts=%d elapsed=%s\n",
					mark, r.Category, r.Name, r.Attempts, r.Elapsed.Round(time.Millisecond))
				if r.Err != nil {
					fmt.Printf("         %v\n", r.Err)
				}
			}
			if failed > 0 {
				return &exitCodeError{code: failed, message: fmt.Sprintf("%d check(s) failed", failed)}
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
