package migrate

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polyquery/polyquery/cmd/util"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command, _ []string) {
	flags := command.Flags()

	util.MustBindPFlag(engineFlag, flags.Lookup(engineFlag))
	util.MustBindPFlag(uriFlag, flags.Lookup(uriFlag))
	util.MustBindPFlag(usernameFlag, flags.Lookup(usernameFlag))
	util.MustBindPFlag(passwordFlag, flags.Lookup(passwordFlag))
	util.MustBindPFlag(dirFlag, flags.Lookup(dirFlag))
	util.MustBindPFlag(versionFlag, flags.Lookup(versionFlag))
	util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
	util.MustBindPFlag(verboseMigrationFlag, flags.Lookup(verboseMigrationFlag))

	// a missing config file is fine, flags and env still apply
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("failed to read config file: " + err.Error())
		}
	}
}
