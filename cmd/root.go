// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with POLYQUERY, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("POLYQUERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/polyquery", "$HOME/.polyquery", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "polyquery",
		Short: "A data-access and expression-evaluation engine in front of relational, graph-document and document stores",
		Long: `A data-access and expression-evaluation engine in front of relational, graph-document and document stores.

polyquery routes backend-agnostic queries to the store serving each entity, normalizes native rows into canonical records and evaluates arithmetic formulas over them.`,
		SilenceUsage: true,
	}
}
