// Package bot is the Telegram surface of relaybot: authorization, commands,
// inline menus and the turns started from messages and buttons.
package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/imagegen"
	"github.com/go-go-golems/relaybot/pkg/metrics"
	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/settings"
	"github.com/go-go-golems/relaybot/pkg/speech"
	"github.com/go-go-golems/relaybot/pkg/telegram"
	"github.com/go-go-golems/relaybot/pkg/upstream"
	"github.com/go-go-golems/relaybot/pkg/upstream/hub"
)

const (
	groupHint       = "Reply to any of my messages to interact with me."
	noConversations = "You don't have open conversations"
	noActive        = "You don't have an active conversation"
	forgotten       = "I can't remember our last conversation, sorry!"
	imageUsage      = "Give me the prompt on the command, e.g. /image a friendly shark logo"
	cookiesRequired = "Cookies required to use this functionality."
)

// Preferences is the per-chat settings storage the bot reads and edits.
type Preferences interface {
	Get(ctx context.Context, chatID int64) (settings.ChatSettings, error)
	SetVoice(ctx context.Context, chatID int64, voice string) error
	ToggleTTS(ctx context.Context, chatID int64) (settings.TTS, error)
	SetStyle(ctx context.Context, chatID int64, style string) error
	SetBackend(ctx context.Context, chatID int64, c settings.Capability, name string) error
}

type Options struct {
	API           API
	Access        *Access
	Preferences   Preferences
	Conversations *conversation.Store
	Reconciler    *reconcile.Reconciler
	Scheduler     reconcile.Scheduler

	Synthesizer  speech.Synthesizer
	Voices       *speech.Catalog
	Transcribers speech.Transcribers
	Images       imagegen.Registry
	// Accounts backs the admin cookie menu. Nil hides it.
	Accounts *hub.Accounts
	Metrics  *metrics.Metrics
}

type Bot struct {
	opts      Options
	messenger *Messenger
}

func New(opts Options) *Bot {
	return &Bot{opts: opts, messenger: NewMessenger(opts.API)}
}

// Messenger returns the adapter the reconciler should render through.
func (b *Bot) Messenger() *Messenger {
	return b.messenger
}

// Label names a chat backend in rendered answers and exports.
func Label(backend string) string {
	switch backend {
	case "chatgpt":
		return "ChatGPT"
	case "chatgpt4":
		return "GPT-4"
	default:
		return reconcile.DefaultLabel
	}
}

// Handle dispatches one update. Failures are logged; the returned error is
// informational.
func (b *Bot) Handle(ctx context.Context, u telegram.Update) error {
	switch {
	case u.CallbackQuery != nil:
		b.opts.Metrics.UpdateDispatched("callback")
		return b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		return b.handleMessage(ctx, u.Message)
	default:
		b.opts.Metrics.UpdateDispatched("ignored")
		return nil
	}
}

func chatRef(msg *telegram.Message) reconcile.ChatRef {
	ref := reconcile.ChatRef{ID: msg.Chat.ID}
	if msg.IsTopicMessage {
		ref.ThreadID = msg.MessageThreadID
	}
	return ref
}

func repliesToBot(msg *telegram.Message) bool {
	return msg.ReplyTo != nil && msg.ReplyTo.From != nil && msg.ReplyTo.From.IsBot
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) error {
	if msg.Chat == nil {
		return nil
	}
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if msg.IsCommand() {
		b.opts.Metrics.UpdateDispatched("command")
		cmd, args := splitCommand(text)
		return b.command(ctx, msg, normalizeSlashCommand(cmd), args)
	}
	if !b.opts.Access.Authorized(ctx, chatID) {
		b.opts.Metrics.UpdateDispatched("unauthorized")
		log.Debug().Str("component", "bot").Int64("chat_id", chatID).Msg("ignoring unauthorized chat")
		return nil
	}
	if msg.Chat.IsGroup() && !repliesToBot(msg) {
		b.opts.Metrics.UpdateDispatched("ignored")
		return nil
	}
	if msg.Voice != nil {
		b.opts.Metrics.UpdateDispatched("voice")
		return b.voice(ctx, msg)
	}
	if text == "" {
		return nil
	}
	b.opts.Metrics.UpdateDispatched("message")
	ref := chatRef(msg)
	ref.ReplyTo = int(msg.MessageID)
	return b.ask(ctx, ref, text, msg.Chat.IsGroup())
}

func (b *Bot) prefs(ctx context.Context, chatID int64) settings.ChatSettings {
	if b.opts.Preferences == nil {
		return settings.Defaults(chatID)
	}
	p, err := b.opts.Preferences.Get(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chatID).Msg("load settings, using defaults")
		return settings.Defaults(chatID)
	}
	return p
}

// ask plays prompt on the chat's current conversation.
func (b *Bot) ask(ctx context.Context, chat reconcile.ChatRef, prompt string, group bool) error {
	p := b.prefs(ctx, chat.ID)
	_, err := b.opts.Reconciler.Run(ctx, reconcile.Request{
		Chat:   chat,
		Prompt: prompt,
		Settings: reconcile.Settings{
			Style: upstream.Style(p.Style),
			TTS:   p.TTS.Enabled(),
			Voice: p.Voice,
			Label: Label(p.ChatBackend),
		},
		Group: group,
	})
	b.opts.Metrics.SetOpenConversations(b.opts.Conversations.Len())
	return err
}

// indicator keeps a chat action visible until the returned stop is called.
func (b *Bot) indicator(chat reconcile.ChatRef, action string) func() {
	if b.opts.Scheduler == nil {
		return func() {}
	}
	key := fmt.Sprintf("%s_%d", action, chat.ID)
	if chat.ThreadID != 0 {
		key = fmt.Sprintf("%s_%d", key, chat.ThreadID)
	}
	m := b.messenger
	b.opts.Scheduler.Repeating(key, reconcile.DefaultTypingInterval, reconcile.DefaultTypingFirst, func(ctx context.Context) {
		if err := m.SendChatAction(ctx, chat, action); err != nil {
			log.Debug().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Str("action", action).Msg("chat action failed")
		}
	})
	sched := b.opts.Scheduler
	return func() { sched.Cancel(key) }
}

// voice transcribes a voice message and plays the text as a prompt. No
// transcription means no reply.
func (b *Bot) voice(ctx context.Context, msg *telegram.Message) error {
	chat := chatRef(msg)
	chat.ReplyTo = int(msg.MessageID)
	p := b.prefs(ctx, chat.ID)

	stop := b.indicator(chat, "record_voice")
	text, ok, err := b.transcribe(ctx, msg.Voice.FileID, p.ASRBackend)
	stop()
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Str("backend", p.ASRBackend).Msg("transcription failed")
		return nil
	}
	if !ok || strings.TrimSpace(text) == "" {
		log.Info().Str("component", "bot").Int64("chat_id", chat.ID).Str("backend", p.ASRBackend).Msg("transcription unavailable")
		return nil
	}
	return b.ask(ctx, chat, strings.TrimSpace(text), msg.Chat.IsGroup())
}

func (b *Bot) transcribe(ctx context.Context, fileID, backend string) (string, bool, error) {
	f, err := b.opts.API.GetFile(ctx, fileID)
	if err != nil {
		return "", false, errors.Wrap(err, "get voice file")
	}
	audio, err := b.opts.API.DownloadFile(ctx, f.FilePath)
	if err != nil {
		return "", false, errors.Wrap(err, "download voice file")
	}
	return b.opts.Transcribers.Transcribe(ctx, backend, audio)
}

// show sends a screen, or replaces the message it came from when editID is
// set.
func (b *Bot) show(ctx context.Context, chat reconcile.ChatRef, editID int, text string, kb reconcile.Keyboard) {
	var err error
	if editID != 0 {
		err = b.messenger.Edit(ctx, chat, editID, text, kb)
	} else {
		_, err = b.messenger.Send(ctx, chat, text, kb)
	}
	var re *telegram.RequestError
	if err == nil || (errors.As(err, &re) && re.NotModified()) {
		return
	}
	log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Msg("show screen failed")
}

func (b *Bot) say(ctx context.Context, chat reconcile.ChatRef, text string) {
	b.show(ctx, chat, 0, text, nil)
}

func escape(s string) string {
	return html.EscapeString(s)
}
