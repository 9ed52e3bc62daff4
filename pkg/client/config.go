package client

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/realtime/pkg/session"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, e.g.
// REALTIME_BASE_URL or REALTIME_SESSION_MAX_RETRIES.
const EnvPrefix = "REALTIME"

type Config struct {
	// BaseURL is the relay's http(s) address.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Session configures the socket. An empty URL is derived from BaseURL.
	Session session.Config `mapstructure:"session"`
	// PrefsFile is the local preferences file. Empty disables persistence.
	PrefsFile    string        `mapstructure:"prefs_file"`
	TypingTTL    time.Duration `mapstructure:"typing_ttl" validate:"gt=0"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:8080",
		Session:      session.DefaultConfig,
		TypingTTL:    3 * time.Second,
		HistoryLimit: 50,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c. The session URL is not required since it can be
// derived.
func (c Config) Validate() error {
	if err := validate.StructExcept(c, "Session.URL"); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// LoadConfig layers .env, the optional config file and REALTIME_*
// environment variables over DefaultConfig.
func LoadConfig(file string) (Config, error) {
	cfg := DefaultConfig()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	defaults := map[string]any{}
	if err := mapstructure.Decode(cfg, &defaults); err != nil {
		return cfg, fmt.Errorf("encode defaults: %w", err)
	}
	setDefaults(v, "", defaults)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// setDefaults registers every leaf of m so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := prefix + k
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key+".", nested)
			continue
		}
		v.SetDefault(key, val)
	}
}
