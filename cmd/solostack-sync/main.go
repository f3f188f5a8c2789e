package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "solostack-sync",
		Short:         "Solostack offline-first sync client and relay",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newRunCommand(),
		newOnceCommand(),
		newServeCommand(),
		newConflictsCommand(),
		newAuthCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("device-id", "", "Device identifier of this replica")
	cmd.PersistentFlags().String("provider", defaults.GetString("sync.provider"), "Sync provider (generic_http, google_drive, onedrive, gcs)")
	cmd.PersistentFlags().String("push-url", "", "Push endpoint for the generic_http provider")
	cmd.PersistentFlags().String("pull-url", "", "Pull endpoint for the generic_http provider")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Relay HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Optional rotated log file")
	cmd.PersistentFlags().String("signing-secret", "", "Relay signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "sync.provider", "provider")
	bindFlag(cmd, "sync.push_url", "push-url")
	bindFlag(cmd, "sync.pull_url", "pull-url")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
