package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime settings for the bevara CLI and local API.
type Config struct {
	ServiceURL   string         `mapstructure:"service_url"`
	Token        string         `mapstructure:"token"`
	Debug        bool           `mapstructure:"debug"`
	LedgerDir    string         `mapstructure:"ledger_dir"`
	LibraryDir   string         `mapstructure:"library_dir"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	ListenAddr   string         `mapstructure:"listen_addr"`
	APIToken     string         `mapstructure:"api_token"`
	Tracing      bool           `mapstructure:"tracing"`
	Registry     RegistryConfig `mapstructure:"registry"`
	GitHub       GitHubConfig   `mapstructure:"github"`
	SFTP         SFTPConfig     `mapstructure:"sftp"`
}

// RegistryConfig selects where the library registry is persisted.
type RegistryConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
}

// GitHubConfig points at the repository whose CI produces libraries.
type GitHubConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	Branch  string `mapstructure:"branch"`
}

// SFTPConfig is the destination of library exports.
type SFTPConfig struct {
	Addr      string `mapstructure:"addr"`
	User      string `mapstructure:"user"`
	KeyPath   string `mapstructure:"key_path"`
	Password  string `mapstructure:"password"`
	RemoteDir string `mapstructure:"remote_dir"`
}

// Load reads configuration from defaults, an optional bevara.yaml and
// BEVARA_* environment variables. A non-empty file overrides the search
// path and must exist.
func Load(file string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BEVARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("service_url", "http://127.0.0.1:8791")
	v.SetDefault("debug", false)
	v.SetDefault("ledger_dir", ".bevara")
	v.SetDefault("library_dir", filepath.Join(home, ".bevara", "library"))
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("listen_addr", "127.0.0.1:8790")
	v.SetDefault("tracing", false)
	v.SetDefault("registry.backend", "file")
	v.SetDefault("registry.path", filepath.Join(home, ".bevara", "registry.json"))
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.branch", "main")
	v.SetDefault("sftp.remote_dir", ".")
	// Keys without a default are still bound so env overrides reach them.
	for _, key := range []string{
		"token", "api_token", "registry.database_url", "registry.redis_url",
		"github.token", "github.owner", "github.repo",
		"sftp.addr", "sftp.user", "sftp.key_path", "sftp.password",
	} {
		_ = v.BindEnv(key)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	} else {
		v.SetConfigName("bevara")
		v.AddConfigPath(".")
		if home != "" {
			v.AddConfigPath(filepath.Join(home, ".bevara"))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("load config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Registry.Backend {
	case "file":
	case "postgres":
		if c.Registry.DatabaseURL == "" {
			return fmt.Errorf("config: registry.database_url is required for the postgres backend")
		}
	case "redis":
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("config: registry.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown registry backend %q", c.Registry.Backend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.LedgerDir != "" && !hiddenRelative(c.LedgerDir) {
		return fmt.Errorf("config: ledger_dir %q must be a relative path starting with a dot", c.LedgerDir)
	}
	return nil
}

// hiddenRelative reports whether dir stays inside the project and its first
// element is a dot-entry, which the packager skips.
func hiddenRelative(dir string) bool {
	clean := filepath.ToSlash(filepath.Clean(dir))
	if filepath.IsAbs(dir) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return strings.HasPrefix(clean, ".")
}
