package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/ui"
)

var usersCmd = &cobra.Command{
	Use:     "users",
	Aliases: []string{"ls"},
	Short:   "List who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadClientConfig()
		if err != nil {
			return err
		}
		conn, err := dial(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		users, err := conn.firstUsers(cmd.Context())
		if err != nil {
			return err
		}
		ui.RenderPresence(os.Stdout, users, conn.Identity)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usersCmd)
	addClientFlags(usersCmd)
}
