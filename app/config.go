package app

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

// EnvPrefix prefixes every environment variable read by LoadConfig, e.g.
// RELAY_PORT or RELAY_AUTH_SECRET.
const EnvPrefix = "RELAY"

type Config struct {
	// Port is the port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Mode     Mode   `validate:"required,oneof=dev prod"`
	Auth     struct {
		// Secret signs JWT tokens. It is read as a base64 encoded string;
		// the default is a random 32 byte key.
		Secret   Base64Encoded `validate:"required,min=16"`
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"required,gt=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File        string `validate:"required"`
		BusyTimeout int    `mapstructure:"busy_timeout" validate:"gte=0"`
	}
	TLS struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}
	// AllowedOrigins lists the origins allowed to connect. The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// WriteQueue is the per socket outbound queue capacity.
	WriteQueue int `mapstructure:"write_queue" validate:"gte=1"`
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("sqlite.file", "./relay.db")
	v.SetDefault("sqlite.busy_timeout", 5000)
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("write_queue", 100)
	return nil
}

// LoadConfig reads .env, the optional config file and RELAY_* environment
// variables, in increasing order of precedence. An empty file looks for
// relay.yaml in the working directory.
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	return validate.Struct(c)
}

// FormatValidationErrors renders validator errors as one translated line
// per field, sorted.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	lines := slices.Sorted(maps.Values(translated))
	return strings.Join(lines, "\n")
}
