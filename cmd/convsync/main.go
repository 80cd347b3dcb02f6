package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/convsync/pkg/config"
)

var settings *config.Settings

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "convsync",
		Short:         "Keep conversation lists and message threads in sync with a realtime transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env-file")
			s, _, err := config.Load(config.LoadOptions{
				ConfigFile: configFile,
				EnvFile:    envFile,
				Flags:      cmd.Flags(),
				Bindings: map[string]string{
					"log.level":      "log-level",
					"log.format":     "log-format",
					"tenant":         "tenant",
					"user.id":        "user",
					"locale":         "locale",
					"transport.kind": "transport",
					"store.kind":     "store",
					"http.addr":      "addr",
				},
			})
			if err != nil {
				return err
			}
			config.InitLogger(s.Log)
			settings = s
			log.Debug().Str("tenant", s.Tenant).Str("user_id", s.User.ID).Msg("configuration loaded")
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ./convsync.yaml or $HOME/.convsync/convsync.yaml)")
	pf.String("env-file", ".env", "dotenv file loaded before reading the environment")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "auto", "log format (auto, console, json)")
	pf.String("tenant", "", "tenant the user belongs to")
	pf.String("user", "", "id of the signed-in user")
	pf.String("locale", "", "UI locale (BCP 47)")
	pf.String("transport", "", "transport kind (memory, redis, nats)")
	pf.String("store", "", "conversation store kind (memory, sqlite, redis, postgres)")

	root.AddCommand(newServeCommand(), newSimulateCommand(), newStoreCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("convsync failed")
		os.Exit(1)
	}
}
