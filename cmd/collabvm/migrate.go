package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collabvm/collabvm-server/internal/db"
	"github.com/collabvm/collabvm-server/pkg/server"
)

func migrateCmd() *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(database)
			if err != nil {
				return err
			}
			if err := db.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&database, "database", server.DefaultConfig().Database, "SQLite path or postgres:// DSN")

	return cmd
}
