// SPDX-License-Identifier: Apache-2.0
package commands

import (
	"github.com/spf13/cobra"
)

var (
	account     string
	workstation string
	password    string
	verbose     bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "schannel-client",
		Short: "Netlogon secure channel handshake demo",
		Long: `Drives a full secure channel handshake against a simulated peer,
showing the negotiation, downgrade handling and capability verification
performed by the schannel package.`,
	}

	root.PersistentFlags().StringVar(&account, "account", "WKSTN$", "machine account name")
	root.PersistentFlags().StringVar(&workstation, "workstation", "WKSTN", "local computer name")
	root.PersistentFlags().StringVarP(&password, "password", "p", "hunter2", "machine account password")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log handshake diagnostics")

	root.AddCommand(establishCmd())
	return root.Execute()
}
