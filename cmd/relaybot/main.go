package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/relaybot/pkg/config"
	"github.com/go-go-golems/relaybot/pkg/logging"
)

type rootOptions struct {
	configPath string
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "relaybot",
		Short:        "relaybot relays Telegram chats to conversational backends",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a first pass so config loading itself can log; commands
			// re-initialize once the file is read
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			return logging.Init(level, format)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (default: <user config dir>/relaybot/config.yaml)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "auto", "Log format (auto, console, json)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newUsersCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".relaybot", "config.yaml")
	}
	return filepath.Join(dir, "relaybot", "config.yaml")
}

// path resolves the config file to read. The default location is only used
// when it exists.
func (o *rootOptions) path() string {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p
	}
	p := defaultConfigPath()
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// load reads the configuration, lets changed log flags override it and
// re-initializes logging from the result.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Settings, error) {
	v, err := config.New(o.path())
	if err != nil {
		return nil, err
	}
	bindFlag(v, cmd, "log.level", "log-level")
	bindFlag(v, cmd, "log.format", "log-format")
	s, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(s.Log.Level, s.Log.Format); err != nil {
		return nil, errors.Wrap(err, "init logging")
	}
	return s, nil
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}
