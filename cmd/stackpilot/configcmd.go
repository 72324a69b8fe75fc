package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Config Command Group
// =============================================================================

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and mutate the stack configuration",
	}
	cmd.AddCommand(
		newConfigShowCommand(a),
		newConfigChangePasswordCommand(a),
		newConfigChangePortCommand(a),
		newConfigRestoreCommand(a),
		newConfigExportCommand(a),
		newConfigImportCommand(a),
	)
	return cmd
}

func newConfigShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the configuration document",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.engine.Show()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigChangePasswordCommand(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Rotate the administrator password",
		RunE: func(cmd *cobra.Command, args []string) error {
			got, err := a.engine.ChangePassword(cmd.Context(), password)
			if err != nil {
				return err
			}
			fmt.Printf("administrator password is now: %s\n", got)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password (generated when empty)")
	return cmd
}

func newConfigChangePortCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change-port <target> <port>",
		Short: "Move a published port",
		Long: `change-port moves one published port. The target is "external" for the
secure edge port, "http" for the plaintext edge port, or a database
instance name for its host port.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("port must be a number: %q", args[1])
			}
			if err := a.engine.ChangePort(cmd.Context(), args[0], port); err != nil {
				return err
			}
			fmt.Printf("%s port is now %d\n", args[0], port)
			return nil
		},
	}
	return cmd
}

func newConfigRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Restore a configuration snapshot",
		Long: `restore activates a past snapshot after re-validating it. Without an
argument it lists the snapshot history, newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				snaps, err := a.engine.Snapshots()
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Println("no snapshots recorded")
					return nil
				}
				for _, s := range snaps {
					fmt.Printf("  %s\n", s.ID)
				}
				return nil
			}
			cfg, undoID, err := a.engine.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored snapshot %s (stack %q)\n", args[0], cfg.StackName)
			if undoID != "" {
				fmt.Printf("previous configuration saved as snapshot %s\n", undoID)
			}
			fmt.Println("run 'up' to reconcile the runtime")
			return nil
		},
	}
}

func newConfigExportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the configuration as a portable string",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := a.engine.Export()
			if err != nil {
				return err
			}
			fmt.Println(payload)
			return nil
		},
	}
}

func newConfigImportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [payload]",
		Short: "Replace the configuration from an exported string",
		Long: `import replaces the configuration with a previously exported string,
read from the argument or from stdin. The prior configuration is
snapshotted first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := importPayload(args)
			if err != nil {
				return err
			}
			cfg, snapshotID, err := a.engine.Import(payload)
			if err != nil {
				return err
			}
			fmt.Printf("imported configuration for stack %q\n", cfg.StackName)
			if snapshotID != "" {
				fmt.Printf("previous configuration saved as snapshot %s\n", snapshotID)
			}
			fmt.Println("run 'up' to reconcile the runtime")
			return nil
		},
	}
	return cmd
}

func importPayload(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading payload from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
