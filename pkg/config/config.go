// Package config loads relaybot settings from a YAML file and RELAYBOT_
// environment variables.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/relaybot/pkg/bus"
)

const EnvPrefix = "RELAYBOT"

type Settings struct {
	Telegram   TelegramSettings   `mapstructure:"telegram" yaml:"telegram"`
	Chats      ChatsSettings      `mapstructure:"chats" yaml:"chats"`
	Storage    StorageSettings    `mapstructure:"storage" yaml:"storage"`
	OpenAI     OpenAISettings     `mapstructure:"openai" yaml:"openai"`
	AssemblyAI AssemblyAISettings `mapstructure:"assemblyai" yaml:"assemblyai"`
	Hub        HubSettings        `mapstructure:"hub" yaml:"hub"`
	Bus        bus.Settings       `mapstructure:"bus" yaml:"bus"`
	History    HistorySettings    `mapstructure:"history" yaml:"history"`
	Reconcile  ReconcileSettings  `mapstructure:"reconcile" yaml:"reconcile"`
	Metrics    MetricsSettings    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogSettings        `mapstructure:"log" yaml:"log"`
}

type TelegramSettings struct {
	Token       string        `mapstructure:"token" yaml:"token"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout,omitempty"`
}

// ChatsSettings controls who may talk to the bot.
type ChatsSettings struct {
	Allowed  []int64 `mapstructure:"allowed" yaml:"allowed"`
	Admins   []int64 `mapstructure:"admins" yaml:"admins"`
	Password string  `mapstructure:"password" yaml:"password,omitempty"`
}

type StorageSettings struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Database string `mapstructure:"database" yaml:"database,omitempty"`
}

type OpenAISettings struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	System  string `mapstructure:"system" yaml:"system,omitempty"`
}

type AssemblyAISettings struct {
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

type HubSettings struct {
	CreateURL string `mapstructure:"create_url" yaml:"create_url,omitempty"`
	HubURL    string `mapstructure:"hub_url" yaml:"hub_url,omitempty"`
	// Cookies lists exported browser cookie files, one per account.
	Cookies []string `mapstructure:"cookies" yaml:"cookies,omitempty"`
	Proxy   string   `mapstructure:"proxy" yaml:"proxy,omitempty"`
}

type HistorySettings struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Backend is file or redis.
	Backend string `mapstructure:"backend" yaml:"backend,omitempty"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
	Addr    string `mapstructure:"addr" yaml:"addr,omitempty"`
	Key     string `mapstructure:"key" yaml:"key,omitempty"`
}

type ReconcileSettings struct {
	EditDelay time.Duration `mapstructure:"edit_delay" yaml:"edit_delay,omitempty"`
	Ceiling   int           `mapstructure:"ceiling" yaml:"ceiling,omitempty"`
}

type MetricsSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level,omitempty"`
	Format string `mapstructure:"format" yaml:"format,omitempty"`
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "relaybot")
	}
	return ".relaybot"
}

// SetDefaults registers every key so environment variables can override
// values missing from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.base_url", "")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("chats.allowed", []int64{})
	v.SetDefault("chats.admins", []int64{})
	v.SetDefault("chats.password", "")
	v.SetDefault("storage.dir", defaultDir())
	v.SetDefault("storage.database", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.system", "")
	v.SetDefault("assemblyai.token", "")
	v.SetDefault("hub.create_url", "")
	v.SetDefault("hub.hub_url", "")
	v.SetDefault("hub.cookies", []string{})
	v.SetDefault("hub.proxy", "")
	v.SetDefault("bus.backend", bus.BackendMemory)
	v.SetDefault("bus.addr", "")
	v.SetDefault("bus.group", "")
	v.SetDefault("bus.consumer", "")
	v.SetDefault("bus.topic", bus.DefaultTopic)
	v.SetDefault("bus.concurrency", bus.DefaultConcurrency)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.backend", "file")
	v.SetDefault("history.path", "")
	v.SetDefault("history.addr", "")
	v.SetDefault("history.key", "")
	v.SetDefault("reconcile.edit_delay", 500*time.Millisecond)
	v.SetDefault("reconcile.ceiling", 3080)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// New returns a viper instance reading RELAYBOT_ variables and, when path is
// set, the YAML file at path.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return v, nil
}

func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	s.Storage.Dir = expandHome(s.Storage.Dir)
	if s.Storage.Database == "" {
		s.Storage.Database = filepath.Join(s.Storage.Dir, "relaybot.db")
	}
	if s.History.Path == "" {
		s.History.Path = filepath.Join(s.Storage.Dir, "history.yaml")
	}
	return &s, nil
}

// Validate checks what serving needs.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	switch s.History.Backend {
	case "", "file", "redis":
	default:
		return errors.Errorf("unknown history backend %q", s.History.Backend)
	}
	return nil
}

// CurrentCookiePath is where the selected hub account is remembered.
func (s *Settings) CurrentCookiePath() string {
	return filepath.Join(s.Storage.Dir, "current_cookie")
}

func (s *Settings) IsAdmin(chatID int64) bool {
	return slices.Contains(s.Chats.Admins, chatID)
}

func Marshal(s *Settings) ([]byte, error) {
	raw, err := yaml.Marshal(s)
	return raw, errors.Wrap(err, "encode config")
}

// Write stores s as YAML at path, creating parent directories.
func Write(path string, s *Settings) error {
	raw, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o600), "write config")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
