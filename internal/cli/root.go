// Package cli implements partyctl, the command line host and listener.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Party/internal/adapters/rtc"
	"github.com/dkeye/Party/internal/catalog"
	"github.com/dkeye/Party/internal/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyServer            = "server"
	keyRequestTimeout    = "request_timeout"
	keyStateFile         = "state_file"
	keyPublicURL         = "public_url"
	keyCatalogDriver     = "catalog.driver"
	keyCatalogDSN        = "catalog.dsn"
	keyReconnectDelay    = "reconnect_delay"
	keyReconnectMaxDelay = "reconnect_max_delay"
	keyLogLevel          = "log_level"
)

type settings struct {
	Server            string        `mapstructure:"server"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StateFile         string        `mapstructure:"state_file"`
	PublicURL         string        `mapstructure:"public_url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	LogLevel          string        `mapstructure:"log_level"`
	Catalog           struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"catalog"`
}

// env carries the resolved configuration into the subcommands.
type env struct {
	v       *viper.Viper
	cfgFile string
	cfg     settings
}

func NewRootCommand() *cobra.Command {
	e := &env{v: viper.New()}
	root := &cobra.Command{
		Use:          "partyctl",
		Short:        "Host or join a listen-along party",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&e.cfgFile, "config", "", "config file (default is $HOME/.partyctl.yaml)")
	pf.String("server", "http://localhost:8080", "party server base URL")
	pf.Duration("request-timeout", client.DefaultRequestTimeout, "signaling request timeout")
	pf.String("state-file", "", "party state file (default is $HOME/.partyctl/state.yaml)")
	pf.String("public-url", "", "base URL of invite links (default is --server)")
	pf.String("log-level", "warn", "log level")

	_ = e.v.BindPFlag(keyServer, pf.Lookup("server"))
	_ = e.v.BindPFlag(keyRequestTimeout, pf.Lookup("request-timeout"))
	_ = e.v.BindPFlag(keyStateFile, pf.Lookup("state-file"))
	_ = e.v.BindPFlag(keyPublicURL, pf.Lookup("public-url"))
	_ = e.v.BindPFlag(keyLogLevel, pf.Lookup("log-level"))
	e.v.SetDefault(keyReconnectDelay, client.DefaultReconnectDelay)
	e.v.SetDefault(keyReconnectMaxDelay, client.DefaultReconnectMaxDelay)
	e.v.SetDefault(keyCatalogDriver, "")
	e.v.SetDefault(keyCatalogDSN, "")

	root.AddCommand(newHostCommand(e), newListenCommand(e), newStatusCommand(e))
	return root
}

func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// load reads the config file, env and flags, in viper's precedence order.
func (e *env) load() error {
	if e.cfgFile != "" {
		e.v.SetConfigFile(e.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		e.v.AddConfigPath(home)
		e.v.SetConfigType("yaml")
		e.v.SetConfigName(".partyctl")
	}
	e.v.SetEnvPrefix("PARTYCTL")
	e.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	e.v.AutomaticEnv()

	if err := e.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if e.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := e.v.Unmarshal(&e.cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if e.cfg.StateFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		e.cfg.StateFile = filepath.Join(home, ".partyctl", "state.yaml")
	}
	if e.cfg.PublicURL == "" {
		e.cfg.PublicURL = e.cfg.Server
	}
	level, err := zerolog.ParseLevel(e.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// endpoint maps the server base URL onto path, switching to ws(s) when asked.
func endpoint(server, path string, websocket bool) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url %q needs a scheme and host", server)
	}
	if websocket {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func (e *env) signalURL() (string, error) {
	return endpoint(e.cfg.Server, "/api/party/ws", true)
}

func (e *env) dialer() client.Dialer {
	return client.WebSocketDialer(client.ConnOptions{RequestTimeout: e.cfg.RequestTimeout})
}

func (e *env) store() *client.StateStore {
	return client.NewStateStore(e.cfg.StateFile)
}

func (e *env) media() (*client.PionMedia, error) {
	return client.NewPionMedia(rtc.DefaultSettings())
}

// openCatalog returns nil when no catalog is configured.
func (e *env) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	if e.cfg.Catalog.Driver == "" {
		return nil, nil
	}
	c, err := catalog.Open(ctx, e.cfg.Catalog.Driver, e.cfg.Catalog.DSN)
	if err != nil {
		return nil, err
	}
	return c, nil
}
