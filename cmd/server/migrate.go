package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/koopa0/system-design/14-study-lobby/internal/store/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	run := func(action func(*migrations.Migrator, *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, log, closer, err := setup(configPath(cmd))
			if err != nil {
				return err
			}
			defer closer.Close()

			m, err := migrations.New(cfg.PostgresURL(), log)
			if err != nil {
				return err
			}
			defer m.Close()

			return action(m, cmd)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(m *migrations.Migrator, _ *cobra.Command) error {
				return m.Up()
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			RunE: run(func(m *migrations.Migrator, _ *cobra.Command) error {
				return m.Down()
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version and pending count",
			RunE: run(func(m *migrations.Migrator, cmd *cobra.Command) error {
				version, dirty, err := m.Version()
				if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
					return err
				}
				pending, err := m.Pending()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t pending=%d\n", version, dirty, pending)
				return err
			}),
		},
	)

	return cmd
}
