package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemos/internal/app"
	"github.com/ent0n29/mnemos/internal/auth"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the identity directory",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or rename a user in the Postgres directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to manage users; use AUTH_DEV_USERS for the in-memory directory")
			}
			ctx := cmd.Context()
			pool, err := app.OpenPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir, err := auth.NewPostgresDirectory(ctx, pool)
			if err != nil {
				return err
			}
			id := auth.Identity{UserID: strings.TrimSpace(args[0]), DisplayName: strings.TrimSpace(name)}
			if id.UserID == "" {
				return fmt.Errorf("user id must not be empty")
			}
			if err := dir.AddUser(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", id.UserID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(add)
	return cmd
}
