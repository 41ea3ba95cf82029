package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cmdgate/cmdgate/cmd/cmdgate/config"
	"github.com/cmdgate/cmdgate/internal/version"
	"github.com/cmdgate/cmdgate/storage"
	"github.com/cmdgate/cmdgate/storage/model"
)

var rootCmd = &cobra.Command{
	Use:           "gatectl",
	Short:         "gatectl can help you manage your cmdgate",
	Long:          "gatectl works directly on the database of a cmdgate instance",
	Version:       version.VERSION,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configFile string

// loadBackends loads the config and opens the configured storage
func loadBackends() (model.Backends, *storage.Storage, error) {
	c, err := config.LoadFile(configFile)
	if err != nil {
		return model.Backends{}, nil, err
	}
	return config.LoadStorageBackends(c.Storage)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "the config file to use")
	rootCmd.AddCommand(createPrincipalCmd, seedCmd, verifyLogCmd, exportLogsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
