package monotable

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries the manager-level settings. Zero values fall back to the
// defaults below at NewManager.
type Config struct {
	// Table is the physical table name.
	Table string `mapstructure:"table"`

	// RequireTenant makes entry points fail with ErrNoTenant when no
	// tenant id is in scope.
	RequireTenant bool `mapstructure:"require_tenant"`

	// BatchDelay is the default coalescing window for point lookups.
	BatchDelay time.Duration `mapstructure:"batch_delay"`

	// DefaultQueryLimit is the page size for queries that set none.
	DefaultQueryLimit int32 `mapstructure:"default_query_limit"`
}

const (
	defaultTable      = "monotable"
	defaultBatchDelay = 5 * time.Millisecond
	defaultQueryLimit = 25
)

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = defaultBatchDelay
	}
	if c.DefaultQueryLimit == 0 {
		c.DefaultQueryLimit = defaultQueryLimit
	}
}

// LoadConfig reads settings from the environment (MONOTABLE_* variables)
// and, when present, a monotable.yaml file in the given directory. An
// empty dir skips the file lookup.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONOTABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("table", defaultTable)
	v.SetDefault("require_tenant", false)
	v.SetDefault("batch_delay", defaultBatchDelay)
	v.SetDefault("default_query_limit", defaultQueryLimit)

	if dir != "" {
		v.SetConfigName("monotable")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
