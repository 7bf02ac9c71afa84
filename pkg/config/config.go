// Package config loads chatsync settings from defaults, a YAML file, the
// environment (CHATSYNC_*) and command line flags, in increasing priority.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsync/pkg/api"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/presence"
	"github.com/go-go-golems/chatsync/pkg/supervisor"
)

const EnvPrefix = "CHATSYNC"

const (
	KeyAPIURL         = "api-url"
	KeyWSURL          = "ws-url"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyAccessToken    = "access-token"
	KeyRefreshToken   = "refresh-token"
	KeyTypingInterval = "typing-interval"
	KeyDialTimeout    = "dial-timeout"
	KeyRequestTimeout = "request-timeout"
	KeyRedis          = "redis"
)

type Settings struct {
	APIURL         string            `mapstructure:"api-url" yaml:"api-url"`
	WSURL          string            `mapstructure:"ws-url" yaml:"ws-url"`
	Username       string            `mapstructure:"username" yaml:"username"`
	Password       string            `mapstructure:"password" yaml:"password,omitempty"`
	AccessToken    string            `mapstructure:"access-token" yaml:"access-token,omitempty"`
	RefreshToken   string            `mapstructure:"refresh-token" yaml:"refresh-token,omitempty"`
	TypingInterval time.Duration     `mapstructure:"typing-interval" yaml:"typing-interval"`
	DialTimeout    time.Duration     `mapstructure:"dial-timeout" yaml:"dial-timeout"`
	RequestTimeout time.Duration     `mapstructure:"request-timeout" yaml:"request-timeout"`
	Redis          eventbus.Settings `mapstructure:"redis" yaml:"redis"`
}

// Credentials returns the stored tokens, if any.
func (s Settings) Credentials() api.Credentials {
	return api.Credentials{Access: s.AccessToken, Refresh: s.RefreshToken}
}

// DefaultConfigPath is ~/.chatsync/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ".chatsync", "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	redis := eventbus.DefaultSettings()
	v.SetDefault(KeyAPIURL, "http://localhost:5001/api")
	v.SetDefault(KeyWSURL, "ws://localhost:5001")
	// keys without a default are invisible to Unmarshal unless set elsewhere
	for _, k := range []string{KeyUsername, KeyPassword, KeyAccessToken, KeyRefreshToken} {
		v.SetDefault(k, "")
	}
	v.SetDefault(KeyTypingInterval, presence.DefaultTypingInterval)
	v.SetDefault(KeyDialTimeout, supervisor.DefaultHandshakeTimeout)
	v.SetDefault(KeyRequestTimeout, api.DefaultRequestTimeout)
	v.SetDefault(KeyRedis+".enabled", redis.Enabled)
	v.SetDefault(KeyRedis+".addr", redis.Addr)
	v.SetDefault(KeyRedis+".group", redis.Group)
	v.SetDefault(KeyRedis+".consumer", redis.Consumer)
}

// New builds a viper instance with defaults and environment binding. flags may
// be nil.
func New(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := Configure(v, flags); err != nil {
		return nil, err
	}
	return v, nil
}

// Configure adds the chatsync defaults, environment lookup and flag bindings to
// an existing viper instance, usually the global one prepared by clay.
func Configure(v *viper.Viper, flags *pflag.FlagSet) error {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	// nested keys: redis.group is CHATSYNC_REDIS_GROUP
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return errors.Wrap(err, "bind flags")
		}
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***"
	}
	s.Password = mask(s.Password)
	s.AccessToken = mask(s.AccessToken)
	s.RefreshToken = mask(s.RefreshToken)
	return s
}

// Load reads the config file into v and decodes the settings. An empty path
// falls back to the default location, which may be missing.
func Load(v *viper.Viper, path string) (Settings, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultConfigPath()
		if err != nil {
			return Settings{}, err
		}
		path = p
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "expand %s", path)
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || explicit {
			return Settings{}, errors.Wrapf(err, "read config %s", path)
		}
		log.Debug().Str("component", "config").Str("path", path).Msg("no config file")
	} else {
		log.Debug().Str("component", "config").Str("path", v.ConfigFileUsed()).Msg("loaded config file")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIURL) == "" {
		return errors.Errorf("%s must be set", KeyAPIURL)
	}
	if strings.TrimSpace(s.WSURL) == "" {
		return errors.Errorf("%s must be set", KeyWSURL)
	}
	if s.TypingInterval <= 0 {
		return errors.Errorf("%s must be positive", KeyTypingInterval)
	}
	return nil
}
