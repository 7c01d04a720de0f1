package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/imagegen"
	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/telegram"
)

var commands = []telegram.BotCommand{
	{Command: "new_conversation", Description: "Start new conversation"},
	{Command: "switch_conversation", Description: "Switch conversation"},
	{Command: "delete_conversation", Description: "Delete conversation"},
	{Command: "export_conversation", Description: "Export conversation into text file"},
	{Command: "image", Description: "Generate images from a prompt"},
	{Command: "settings", Description: "Change bot settings"},
	{Command: "help", Description: "List of commands"},
}

var hiddenCommands = []telegram.BotCommand{
	{Command: "unlock", Description: "Unlock bot functionalities with a password"},
}

// Commands is the public command list registered with Telegram.
func Commands() []telegram.BotCommand {
	return append([]telegram.BotCommand(nil), commands...)
}

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

// normalizeSlashCommand lowercases a command and drops a "@BotName" suffix.
func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func (b *Bot) command(ctx context.Context, msg *telegram.Message, cmd, args string) error {
	chatID := msg.Chat.ID
	chat := chatRef(msg)
	if cmd == "/unlock" {
		ok, err := b.opts.Access.Unlock(ctx, chatID, args)
		if err != nil {
			return errors.Wrap(err, "unlock")
		}
		if ok {
			b.say(ctx, chat, "Bot unlocked. Start a conversation with /new_conversation")
		}
		return nil
	}
	if !b.opts.Access.Authorized(ctx, chatID) {
		log.Debug().Str("component", "bot").Int64("chat_id", chatID).Str("command", cmd).Msg("ignoring command from unauthorized chat")
		return nil
	}

	switch cmd {
	case "/start":
		b.say(ctx, chat, "Hi! Ask me anything, or start a conversation with /new_conversation.\n\n"+b.helpText(chatID))
	case "/help":
		b.say(ctx, chat, b.helpText(chatID))
	case "/new_conversation":
		b.newConversation(ctx, chat, msg.Chat.IsGroup())
	case "/switch_conversation":
		b.switchMenu(ctx, chat, 0)
	case "/delete_conversation":
		b.deleteMenu(ctx, chat, 0, false)
	case "/export_conversation":
		b.exportMenu(ctx, chat)
	case "/image":
		chat.ReplyTo = int(msg.MessageID)
		b.image(ctx, chat, args)
	case "/settings":
		b.settingsMenu(ctx, chat, 0)
	default:
		log.Debug().Str("component", "bot").Int64("chat_id", chatID).Str("command", cmd).Msg("unknown command")
	}
	return nil
}

func (b *Bot) helpText(chatID int64) string {
	var lines []string
	for _, c := range commands {
		lines = append(lines, fmt.Sprintf("- /%s - %s", c.Command, c.Description))
	}
	if b.opts.Access.IsAdmin(chatID) {
		lines = append(lines, "\nHidden commands:\n")
		for _, c := range hiddenCommands {
			line := fmt.Sprintf("- /%s - %s", c.Command, c.Description)
			if c.Command == "unlock" && b.opts.Access.Password != "" {
				line += fmt.Sprintf(". Current password: <code>%s</code>", escape(b.opts.Access.Password))
			}
			lines = append(lines, line)
		}
	}
	return "The following commands are available:\n\n" + strings.Join(lines, "\n")
}

func (b *Bot) newConversation(ctx context.Context, chat reconcile.ChatRef, group bool) {
	conv, err := b.opts.Conversations.New(ctx, chat.ID)
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Msg("open conversation")
		b.say(ctx, chat, reconcile.ErrorPrefix+escape(err.Error()))
		return
	}
	b.opts.Metrics.SetOpenConversations(b.opts.Conversations.Len())
	text := "Starting new conversation. Ask me anything..."
	if group {
		text += " " + groupHint
	}
	log.Info().Str("component", "bot").Int64("chat_id", chat.ID).Str("conv_id", conv.ID).Msg("conversation started")
	b.say(ctx, chat, text)
}

func sortedIDs(convs []*conversation.Conversation) []string {
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

func marked(label string, current bool) string {
	if current {
		return "» " + label + " «"
	}
	return label
}

func (b *Bot) switchMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	convs := b.opts.Conversations.List(chat.ID)
	if len(convs) == 0 {
		b.show(ctx, chat, editID, noConversations, nil)
		return
	}
	cur, hasCurrent := b.opts.Conversations.Current(chat.ID)
	var kb reconcile.Keyboard
	for _, id := range sortedIDs(convs) {
		kb = append(kb, []reconcile.Button{{Text: marked(id, hasCurrent && id == cur.ID), Data: "conv_set_" + id}})
	}
	text := noActive
	if hasCurrent {
		text = fmt.Sprintf("Your current conversation is <b>%s</b>\n\n<b>Last conversation prompt</b>: <code>%s</code>", cur.ID, escape(cur.LastPrompt()))
	}
	b.show(ctx, chat, editID, text+"\n\nOpen conversations:", kb)
}

func (b *Bot) deleteMenu(ctx context.Context, chat reconcile.ChatRef, editID int, again bool) {
	convs := b.opts.Conversations.List(chat.ID)
	if len(convs) == 0 {
		text := noConversations
		if again {
			text = "No more open conversations"
		}
		b.show(ctx, chat, editID, text, nil)
		return
	}
	var kb reconcile.Keyboard
	for _, id := range sortedIDs(convs) {
		kb = append(kb, []reconcile.Button{{Text: id, Data: "conv_delete_" + id}})
	}
	b.show(ctx, chat, editID, "List of conversations.\n\nChoose conversation to delete", kb)
}

func (b *Bot) exportMenu(ctx context.Context, chat reconcile.ChatRef) {
	convs := b.opts.Conversations.List(chat.ID)
	if len(convs) == 0 {
		b.say(ctx, chat, noConversations)
		return
	}
	var kb reconcile.Keyboard
	for _, id := range sortedIDs(convs) {
		kb = append(kb, []reconcile.Button{{Text: id, Data: "conv_export_bt_" + id}})
	}
	b.show(ctx, chat, 0, "List of conversations.\n\nChoose conversation to export", kb)
}

// export sends the conversation transcript as a markdown document.
func (b *Bot) export(ctx context.Context, chat reconcile.ChatRef, convID string) {
	conv, ok := b.opts.Conversations.Get(chat.ID, convID)
	if !ok {
		b.say(ctx, chat, noActive)
		return
	}
	transcript := conv.Transcript()
	if len(transcript) == 0 {
		b.say(ctx, chat, "This conversation has no messages yet")
		return
	}
	label := Label(conv.Session().State().Backend)
	var sb strings.Builder
	for _, ex := range transcript {
		fmt.Fprintf(&sb, "## User\n%s\n\n## %s\n%s\n\n", ex.Prompt, label, ex.Answer)
	}
	if err := b.messenger.SendDocument(ctx, chat, convID+".md", []byte(sb.String()), "Conversation exported"); err != nil {
		log.Warn().Err(err).Str("component", "bot").Str("conv_id", convID).Msg("export failed")
	}
}

func (b *Bot) image(ctx context.Context, chat reconcile.ChatRef, prompt string) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		b.say(ctx, chat, imageUsage)
		return
	}
	backend := b.prefs(ctx, chat.ID).ImageBackend
	stop := b.indicator(chat, "upload_photo")
	urls, err := b.opts.Images.Generate(ctx, backend, prompt)
	stop()
	switch {
	case errors.Is(err, imagegen.ErrUnavailable):
		text := cookiesRequired
		if backend != "bing" {
			text = fmt.Sprintf("Image backend <b>%s</b> is not configured.", escape(backend))
		}
		b.say(ctx, chat, text)
		return
	case err != nil:
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Str("backend", backend).Msg("image generation failed")
		b.say(ctx, chat, escape(err.Error()))
		return
	case len(urls) == 0:
		b.say(ctx, chat, "No images were generated for this prompt.")
		return
	}
	if err := b.messenger.SendMediaGroup(ctx, chat, urls, "<b>You</b>: "+escape(prompt)); err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Msg("send images failed")
	}
}
