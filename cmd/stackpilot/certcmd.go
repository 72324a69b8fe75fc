package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Certificate Command Group
// =============================================================================

func newCertCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage the edge certificate",
	}
	cmd.AddCommand(newCertRegenerateCommand(a))
	return cmd
}

func newCertRegenerateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate",
		Short: "Reissue the certificate for the current strategy",
		Long: `regenerate reissues the certificate: a new leaf under the self-signed
authority, a fresh validation run for letsencrypt, or a re-copy of the
operator's files for manual. The edge is restarted to serve the new
material.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.engine.CertRegenerate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("certificate regenerated, edge restarted")
			return nil
		},
	}
}
