package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/putto11262002/realtime/app"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var shutdownTimeout time.Duration

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the development relay",
	Long: `Run the relay: REST endpoints under /api, the socket endpoint /ws and
prometheus metrics under /metrics. Configuration is read from .env, the
config file (relay.yaml by default) and RELAY_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := app.LoadConfig(configFile)
		if err != nil {
			return err
		}
		logger := app.NewLogger(os.Stderr, logLevel())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
		defer stop()

		relay, err := app.New(ctx, config, logger)
		if err != nil {
			return err
		}
		return relay.Run(shutdownTimeout)
	},
}

// configView is the printable form of app.Config. The secret is never
// printed.
type configView struct {
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	Mode     string `yaml:"mode"`
	Auth     struct {
		Secret   string `yaml:"secret"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`
	SQLite struct {
		File        string `yaml:"file"`
		BusyTimeout int    `yaml:"busy_timeout"`
	} `yaml:"sqlite"`
	TLS struct {
		Crt string `yaml:"crt,omitempty"`
		Key string `yaml:"key,omitempty"`
	} `yaml:"tls"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WriteQueue     int      `yaml:"write_queue"`
}

func newConfigView(c *app.Config) configView {
	v := configView{
		Port:           c.Port,
		Hostname:       c.Hostname,
		Mode:           string(c.Mode),
		AllowedOrigins: c.AllowedOrigins,
		WriteQueue:     c.WriteQueue,
	}
	v.Auth.Secret = fmt.Sprintf("<%d bytes>", len(c.Auth.Secret))
	v.Auth.TokenTTL = c.Auth.TokenTTL.String()
	v.SQLite.File = c.SQLite.File
	v.SQLite.BusyTimeout = c.SQLite.BusyTimeout
	v.TLS.Crt = c.TLS.Crt
	v.TLS.Key = c.TLS.Key
	return v
}

var relayConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved relay config as yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := app.LoadConfig(configFile)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(newConfigView(config)); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return fmt.Errorf("invalid config:\n%s", app.FormatValidationErrors(err))
		}
		return nil
	},
}

func init() {
	relayCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	relayCmd.AddCommand(relayConfigCmd)
	rootCmd.AddCommand(relayCmd)
}
