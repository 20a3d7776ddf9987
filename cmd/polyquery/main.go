package main

import (
	"os"

	"github.com/polyquery/polyquery/cmd"
	"github.com/polyquery/polyquery/cmd/migrate"
	"github.com/polyquery/polyquery/cmd/query"
	"github.com/polyquery/polyquery/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	migrateCmd := migrate.NewMigrateCommand()
	rootCmd.AddCommand(migrateCmd)

	queryCmd := query.NewQueryCommand()
	rootCmd.AddCommand(queryCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
