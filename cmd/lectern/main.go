package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/lectern/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lectern",
		Short:         "Live classroom sync, lecture capture, and focus-driven speech",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newRelayCommand(),
		newTokenCommand(),
		newSessionCommand(),
		newDrainCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	flags.String("http-address", defaults.GetString("http.address"), "Relay HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "Relay SQLite database path")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Classroom token TTL in minutes")
	flags.Int("max-upload-mb", defaults.GetInt("upload.max_megabytes"), "Largest accepted speech segment in megabytes")

	flags.String("server", defaults.GetString("server.base_url"), "Relay base URL")
	flags.String("token", "", "Classroom access token")
	flags.String("document", "", "Document id")
	flags.String("role", defaults.GetString("session.role"), "Session role (assistant, student)")
	flags.Int("total-pages", defaults.GetInt("session.total_pages"), "Number of pages in the document (0 = unknown)")
	flags.String("storage-path", defaults.GetString("storage.path"), "Client SQLite store path")
	flags.String("capture-source", "", "Audio stream to record from (file or named pipe)")
	flags.String("capture-command", "", "Command whose stdout is recorded")
	flags.String("audio-dir", "", "Directory with per-page text and audio")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "upload.max_megabytes", "max-upload-mb")
	bindFlag(cmd, "server.base_url", "server")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "session.document_id", "document")
	bindFlag(cmd, "session.role", "role")
	bindFlag(cmd, "session.total_pages", "total-pages")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "capture.source", "capture-source")
	bindFlag(cmd, "capture.command", "capture-command")
	bindFlag(cmd, "speech.audio_dir", "audio-dir")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
