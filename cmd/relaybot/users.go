package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newUsersCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the chats allowed to use the bot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <chat-id>...",
		Short: "Register chats without the unlock password",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return errors.Errorf("invalid chat id %q", a)
				}
				ids = append(ids, id)
			}
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			users, err := openSettings(s)
			if err != nil {
				return err
			}
			defer func() { _ = users.Close() }()
			for _, id := range ids {
				if err := users.Add(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "registered %d\n", id)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered chats and their settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			users, err := openSettings(s)
			if err != nil {
				return err
			}
			defer func() { _ = users.Close() }()
			rows, err := users.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CHAT\tVOICE\tTTS\tSTYLE\tCHAT BACKEND\tASR\tIMAGE\tADMIN")
			for _, r := range rows {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\t%s\t%t\n",
					r.ChatID, r.Voice, r.TTS.Enabled(), r.Style, r.ChatBackend, r.ASRBackend, r.ImageBackend, s.IsAdmin(r.ChatID))
			}
			return w.Flush()
		},
	})
	return cmd
}
