package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/stackpilot/internal/core/stack"
)

// =============================================================================
// Profile Command Group
// =============================================================================

func newProfileCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage computation worker profiles",
	}
	cmd.AddCommand(
		newProfileListCommand(a),
		newProfileAddCommand(a),
		newProfileRemoveCommand(a),
	)
	return cmd
}

func newProfileListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured worker profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.engine.ProfileList()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no profiles configured")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("  %-20s %s\n", e.Name, e.Profile.Ref())
			}
			return nil
		},
	}
}

func newProfileAddCommand(a *app) *cobra.Command {
	var profile stack.Profile
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a worker profile",
		Long: `add registers a new worker profile under the given name. The image is
pulled first; a reference that cannot be fetched never reaches the
configuration. The worker starts on the next 'up'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if profile.Image == "" {
				profile.Image = args[0]
			}
			if err := a.engine.ProfileAdd(cmd.Context(), args[0], profile); err != nil {
				return err
			}
			fmt.Printf("added profile %q (%s)\n", args[0], profile.Ref())
			fmt.Println("run 'up' to start it")
			return nil
		},
	}
	cmd.Flags().StringVar(&profile.Repository, "repository", "datashield", "image repository")
	cmd.Flags().StringVar(&profile.Image, "image", "", "image name (defaults to the profile name)")
	cmd.Flags().StringVar(&profile.Tag, "tag", "latest", "image tag")
	return cmd
}

func newProfileRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a worker profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.ProfileRemove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed profile %q\n", args[0])
			fmt.Println("run 'up --remove-orphans' to drop its container")
			return nil
		},
	}
}
