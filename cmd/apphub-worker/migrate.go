package main

import (
	"github.com/spf13/cobra"

	"github.com/apphub/orchestrator-core/internal/store/sqlite"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or upgrade the SQLite schema at --db",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sqlite.New(sqlite.Config{Path: dbPath, WAL: true})
			if err != nil {
				return err
			}
			return st.Close()
		},
	}
}
