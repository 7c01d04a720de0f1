package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/go-go-golems/relaybot/pkg/config"
)

type configInitOptions struct {
	path     string
	force    bool
	allowed  []int64
	admins   []int64
	password string
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}

	opts := &configInitOptions{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file, asking for the bot token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.path
			if path == "" {
				path = root.configPath
			}
			if path == "" {
				path = defaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !opts.force {
				return errors.Errorf("%s already exists, use --force to overwrite", path)
			}
			v, err := config.New("")
			if err != nil {
				return err
			}
			s, err := config.Load(v)
			if err != nil {
				return err
			}
			if s.Telegram.Token == "" {
				token, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Telegram bot token: ")
				if err != nil {
					return err
				}
				s.Telegram.Token = token
			}
			s.Chats.Allowed = append(s.Chats.Allowed, opts.allowed...)
			s.Chats.Admins = append(s.Chats.Admins, opts.admins...)
			if opts.password != "" {
				s.Chats.Password = opts.password
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := config.Write(path, s); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&opts.path, "path", "", "Where to write the file (default: --config or the user config dir)")
	initCmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing file")
	initCmd.Flags().Int64SliceVar(&opts.allowed, "allow", nil, "Chat ids allowed without a password")
	initCmd.Flags().Int64SliceVar(&opts.admins, "admin", nil, "Admin chat ids")
	initCmd.Flags().StringVar(&opts.password, "password", "", "Unlock password for other chats")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			if s.Telegram.Token != "" {
				s.Telegram.Token = "***"
			}
			if s.OpenAI.APIKey != "" {
				s.OpenAI.APIKey = "***"
			}
			if s.AssemblyAI.Token != "" {
				s.AssemblyAI.Token = "***"
			}
			raw, err := config.Marshal(s)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	})
	return cmd
}

// readSecret reads one line without echo on a terminal and as plain text
// otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		_, _ = fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", errors.Wrap(err, "read token")
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read token")
	}
	return strings.TrimSpace(line), nil
}
