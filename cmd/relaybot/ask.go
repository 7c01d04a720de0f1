package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/relaybot/pkg/settings"
	"github.com/go-go-golems/relaybot/pkg/upstream"
)

type askOptions struct {
	backend string
	style   string
	stream  bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a backend one question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			accounts, err := loadAccounts(s)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(s, accounts)
			if err != nil {
				return err
			}
			return ask(cmd.Context(), registry, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", settings.DefaultChatBackend, "Chat backend ("+strings.Join(settings.ChatBackends, ", ")+")")
	cmd.Flags().StringVar(&opts.style, "style", settings.DefaultStyle, "Conversation style ("+strings.Join(settings.Styles, ", ")+")")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Print the answer while it is generated instead of rendering it at the end")
	return cmd
}

func ask(ctx context.Context, registry *upstream.Registry, opts *askOptions, prompt string, out io.Writer) error {
	t, ok := registry.Get(opts.backend)
	if !ok {
		return errors.Errorf("backend %q is not configured (have %s)", opts.backend, strings.Join(registry.Names(), ", "))
	}
	sess, err := t.Open(ctx, "")
	if err != nil {
		return errors.Wrapf(err, "open %s session", opts.backend)
	}
	defer func() { _ = sess.Close() }()

	st, err := sess.AskStream(ctx, prompt, upstream.Style(opts.style))
	if err != nil {
		return errors.Wrap(err, "ask")
	}
	defer func() { _ = st.Close() }()

	printed := ""
	var final *upstream.Payload
	for {
		snap, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "receive answer")
		}
		if snap.Final {
			final = snap.Payload
			break
		}
		if opts.stream && strings.HasPrefix(snap.Partial, printed) {
			_, _ = fmt.Fprint(out, snap.Partial[len(printed):])
			printed = snap.Partial
		}
	}
	if final == nil {
		return errors.New("stream ended without an answer")
	}
	if final.Status != upstream.StatusSuccess {
		return errors.Errorf("%s: %s", final.Status, final.Error)
	}

	var parts []string
	for _, f := range final.BotFragments() {
		parts = append(parts, f.Text)
	}
	answer := strings.Join(parts, "\n\n")
	if opts.stream {
		if rest, ok := strings.CutPrefix(answer, printed); ok {
			_, _ = fmt.Fprint(out, rest)
		}
		_, _ = fmt.Fprintln(out)
		return nil
	}
	return render(out, answer)
}

// render pretty-prints markdown on a terminal and writes it unchanged
// otherwise.
func render(out io.Writer, md string) error {
	f, ok := out.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		_, err := fmt.Fprintln(out, md)
		return err
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return errors.Wrap(err, "markdown renderer")
	}
	text, err := r.Render(md)
	if err != nil {
		return errors.Wrap(err, "render answer")
	}
	_, err = fmt.Fprint(out, text)
	return err
}
