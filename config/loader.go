package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/odpf/salt/config"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	DefaultFilename      = "kleidi"
	DefaultFileExtension = "yaml"
	DefaultEnvPrefix     = "KLEIDI"
	EmptyPath            = ""
)

var FS = afero.NewReadOnlyFs(afero.NewOsFs())

// LoadServerConfig load the server specific config from these locations:
// 1. filepath. ./kleidi serve -c "path/to/config.yaml"
// 2. env var. eg. KLEIDI_SERVE_PORT, etc
// 3. executable binary location
// 4. home dir
func LoadServerConfig(filePath string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	// getViperWithDefault + SetFs
	v := viper.New()
	v.SetFs(FS)

	opts := []config.LoaderOption{
		config.WithViper(v),
		config.WithName(DefaultFilename),
		config.WithType(DefaultFileExtension),
		config.WithEnvPrefix(DefaultEnvPrefix),
		config.WithEnvKeyReplacer(".", "_"),
	}

	// load opt from filepath if exist
	if filePath != EmptyPath {
		if err := validateFilepath(FS, filePath); err != nil {
			return nil, err // if filepath not valid, returns err
		}
		opts = append(opts, config.WithFile(filePath))
	} else {
		// load opt from exec & home directory
		if execPath, err := os.Executable(); err == nil {
			opts = append(opts, config.WithPath(execPath))
		}
		if homePath, err := os.UserHomeDir(); err == nil {
			opts = append(opts, config.WithPath(homePath))
		}
	}

	// load the config
	l := config.NewLoader(opts...)
	if err := l.Load(cfg); err != nil {
		// without a file, env vars and defaults still apply
		if !errors.As(err, &config.ConfigFileNotFoundError{}) {
			return nil, err
		}
	}

	cfg.Log.Level = LogLevel(cfg.Log.Level.String())
	if err := ValidateServerConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

func validateFilepath(fs afero.Fs, fpath string) error {
	f, err := fs.Stat(fpath)
	if err != nil {
		return err
	}
	if !f.Mode().IsRegular() {
		return fmt.Errorf("%s not a file", fpath)
	}
	return nil
}
