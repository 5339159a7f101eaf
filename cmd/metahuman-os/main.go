// Command metahuman-os is the operator CLI: local, offline administration
// of a metahuman-os installation that doesn't go through the HTTP surface
// (user registration, agent status, full-cycle adapter runs, profile
// encryption, audit inspection), plus `serve` to start the control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "metahuman-os",
		Short:         "metahuman-os control plane and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newUserCmd(),
		newSessionCmd(),
		newAgentsCmd(),
		newAdaptersCmd(),
		newProfileCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}
