// Package config provides a reusable loader for this module's
// configuration files and environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"headlesssigner/pkg/utils"
)

// Config is the unified configuration for the signer process (cmd/signerd)
// and, where applicable, the terminal client (cmd/terminal).
type Config struct {
	Transport struct {
		ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr"`
		IdentityKeyPath string `mapstructure:"identity_key_path" json:"identity_key_path"`
		PeerStorePath   string `mapstructure:"peer_store_path" json:"peer_store_path"`
		CookiePath      string `mapstructure:"cookie_path" json:"cookie_path"`
		Ephemeral       bool   `mapstructure:"ephemeral" json:"ephemeral"`
		NATTraversal    bool   `mapstructure:"nat_traversal" json:"nat_traversal"`
	} `mapstructure:"transport" json:"transport"`

	Wallet struct {
		BaseDir string `mapstructure:"base_dir" json:"base_dir"`
	} `mapstructure:"wallet" json:"wallet"`

	Audit struct {
		LogPath string `mapstructure:"log_path" json:"log_path"`
	} `mapstructure:"audit" json:"audit"`

	GUI struct {
		Port string `mapstructure:"port" json:"port"`
	} `mapstructure:"gui" json:"gui"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	applyDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("signerd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up SIGNERD_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

func applyDefaults() {
	viper.SetDefault("transport.listen_addr", "127.0.0.1:9735")
	viper.SetDefault("transport.identity_key_path", "./signer-identity.key")
	viper.SetDefault("transport.peer_store_path", "./signer-peers.json")
	viper.SetDefault("transport.cookie_path", "./signer.cookie")
	viper.SetDefault("transport.ephemeral", false)
	viper.SetDefault("transport.nat_traversal", false)
	viper.SetDefault("wallet.base_dir", "./wallets")
	viper.SetDefault("audit.log_path", "./signer-audit.log")
	viper.SetDefault("gui.port", "8181")
	viper.SetDefault("logging.level", "info")
}

// LoadFromEnv loads configuration using the SIGNERD_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SIGNERD_ENV", ""))
}
