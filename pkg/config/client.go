package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

// ClientConfig configures geniectl. Values come from the environment and
// may be overridden by command-line flags.
type ClientConfig struct {
	APIURL    string `env:"GENIE_API_URL" env-default:"http://localhost:3443"`
	Token     string `env:"GENIE_TOKEN"`
	StateFile string `env:"GENIE_STATE_FILE"`
}

// LoadClient reads the client configuration from the environment. StateFile
// defaults to ~/.genie/state.yaml.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.StateFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not determine home directory: %w", err)
		}
		cfg.StateFile = filepath.Join(home, ".genie", "state.yaml")
	}
	return cfg, nil
}
