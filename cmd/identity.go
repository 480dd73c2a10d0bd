package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// identityCmd prints the local device identity without starting a node.
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Prints the device ID, name and key fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		cfg, _, identity, err := loadIdentity(nodeSettingsFromViper())
		if err != nil {
			return err
		}
		printIdentity(os.Stdout, cfg, identity)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
}
