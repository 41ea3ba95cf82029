package config

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cmdgate/cmdgate/storage"
	"github.com/cmdgate/cmdgate/storage/model"
)

type storageConf struct {
	Driver  storage.DriverType `yaml:"driver"`
	DataDir string             `yaml:"data_dir" envconfig:"DATA_DIR"`
	DSN     string             `yaml:"dsn"`
	storage.DSNConf
	Debug bool `yaml:"debug"`
	// CredentialPepper keys the stored credential digests. Changing it
	// invalidates every issued credential.
	CredentialPepper string `yaml:"credential_pepper" envconfig:"CREDENTIAL_PEPPER"`
}

func (c *storageConf) validate() error {
	switch c.Driver {
	case storage.DriverSQLite:
		if c.DataDir == "" && c.DSN == "" {
			return errors.New("error in storage conf: data_dir must be specified")
		}
		return nil
	case storage.DriverMySQL, storage.DriverPostgres:
	default:
		return errors.Errorf("error in storage conf: unsupported driver '%s'", c.Driver)
	}
	var err error
	if c.DSN == "" {
		c.DSN, err = storage.DSN(c.Driver, c.DSNConf)
	}
	return err
}

var defaultStorageConf = storageConf{
	Driver:  storage.DriverSQLite,
	DataDir: ".",
	DSNConf: storage.DSNConf{
		User: "cmdgate",
		Host: "localhost",
		DB:   "cmdgate",
	},
	Debug: false,
}

// StorageConfig converts the storage section into a storage.Config
func (c storageConf) StorageConfig() storage.Config {
	return storage.Config{
		Driver:           c.Driver,
		DSN:              c.DSN,
		DataDir:          c.DataDir,
		Debug:            c.Debug,
		CredentialPepper: c.CredentialPepper,
	}
}

// LoadStorageBackends loads and returns the storage backends for the passed Config
func LoadStorageBackends(c storageConf) (model.Backends, *storage.Storage, error) {
	backs, warehouse, err := storage.LoadStorageBackends(c.StorageConfig())
	if err != nil {
		return model.Backends{}, nil, err
	}
	log.WithField("driver", c.Driver).Info("Loaded storage backend")
	return backs, warehouse, nil
}
