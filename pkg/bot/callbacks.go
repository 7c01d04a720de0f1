package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/markdown"
	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/settings"
	"github.com/go-go-golems/relaybot/pkg/telegram"
)

// callback is one button press, with the message that carried the button.
type callback struct {
	data   string
	chat   reconcile.ChatRef
	msg    *telegram.Message
	editID int
	group  bool
}

func (b *Bot) handleCallback(ctx context.Context, q *telegram.CallbackQuery) error {
	if err := b.opts.API.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
		log.Debug().Err(err).Str("component", "bot").Msg("answer callback failed")
	}
	if q.Message == nil || q.Message.Chat == nil {
		return nil
	}
	if !b.opts.Access.Authorized(ctx, q.Message.Chat.ID) {
		return nil
	}
	cb := callback{
		data:   q.Data,
		chat:   chatRef(q.Message),
		msg:    q.Message,
		editID: int(q.Message.MessageID),
		group:  q.Message.Chat.IsGroup(),
	}
	log.Debug().Str("component", "bot").Int64("chat_id", cb.chat.ID).Str("data", cb.data).Msg("callback")
	b.route(ctx, cb)
	return nil
}

func (b *Bot) route(ctx context.Context, cb callback) {
	d := cb.data
	chatID := cb.chat.ID
	switch {
	case d == "conv_new":
		b.newConversation(ctx, cb.chat, cb.group)
	case strings.HasPrefix(d, "conv_set_"):
		id := strings.TrimPrefix(d, "conv_set_")
		if err := b.opts.Conversations.SwitchCurrent(chatID, id); err != nil {
			b.dropButtons(ctx, cb, func(data string) bool { return data == d })
			return
		}
		b.switchMenu(ctx, cb.chat, cb.editID)
	case strings.HasPrefix(d, "conv_delete_bt_"):
		id := strings.TrimPrefix(d, "conv_delete_bt_")
		b.deleteConversation(chatID, id)
		b.dropButtons(ctx, cb, func(data string) bool { return data != "conv_new" })
	case strings.HasPrefix(d, "conv_delete_"):
		b.deleteConversation(chatID, strings.TrimPrefix(d, "conv_delete_"))
		b.deleteMenu(ctx, cb.chat, cb.editID, true)
	case strings.HasPrefix(d, "conv_export_bt_"):
		b.export(ctx, cb.chat, strings.TrimPrefix(d, "conv_export_bt_"))
	case strings.HasPrefix(d, "conv_export_"):
		b.export(ctx, cb.chat, strings.TrimPrefix(d, "conv_export_"))
		b.dropButtons(ctx, cb, func(data string) bool { return data == d })
	case strings.HasPrefix(d, "response_"):
		b.suggestion(ctx, cb, d)
	case strings.HasPrefix(d, "tts_send_"):
		b.speakAnswer(ctx, cb, strings.TrimPrefix(d, "tts_send_"))
		b.dropButtons(ctx, cb, func(data string) bool { return data == d })
	case d == "settings_menu":
		b.settingsMenu(ctx, cb.chat, cb.editID)
	case d == "langs_menu":
		b.languagesMenu(ctx, cb.chat, cb.editID)
	case strings.HasPrefix(d, "genders_menu_"):
		b.gendersMenu(ctx, cb.chat, cb.editID, strings.TrimPrefix(d, "genders_menu_"))
	case strings.HasPrefix(d, "voices_menu_"):
		lang, gender, _ := strings.Cut(strings.TrimPrefix(d, "voices_menu_"), "_")
		b.voicesMenu(ctx, cb.chat, cb.editID, lang, gender)
	case strings.HasPrefix(d, "voice_set_"):
		parts := strings.SplitN(strings.TrimPrefix(d, "voice_set_"), "_", 3)
		if len(parts) != 3 {
			return
		}
		b.settingChanged(b.opts.Preferences.SetVoice(ctx, chatID, parts[2]), chatID, "voice")
		b.voicesMenu(ctx, cb.chat, cb.editID, parts[0], parts[1])
	case d == "styles_menu":
		b.stylesMenu(ctx, cb.chat, cb.editID)
	case strings.HasPrefix(d, "style_set_"):
		b.settingChanged(b.opts.Preferences.SetStyle(ctx, chatID, strings.TrimPrefix(d, "style_set_")), chatID, "style")
		b.stylesMenu(ctx, cb.chat, cb.editID)
	case d == "tts_menu":
		b.ttsMenu(ctx, cb.chat, cb.editID)
	case d == "tts_toggle":
		_, err := b.opts.Preferences.ToggleTTS(ctx, chatID)
		b.settingChanged(err, chatID, "tts")
		b.ttsMenu(ctx, cb.chat, cb.editID)
	case d == "backends_menu":
		b.backendsMenu(ctx, cb.chat, cb.editID)
	case strings.HasPrefix(d, "backend_menu_"):
		b.backendMenu(ctx, cb.chat, cb.editID, settings.Capability(strings.TrimPrefix(d, "backend_menu_")))
	case strings.HasPrefix(d, "backend_set_"):
		kind, name, _ := strings.Cut(strings.TrimPrefix(d, "backend_set_"), "_")
		c := settings.Capability(kind)
		b.settingChanged(b.opts.Preferences.SetBackend(ctx, chatID, c, name), chatID, "backend")
		b.backendMenu(ctx, cb.chat, cb.editID, c)
	case d == "cookies_menu":
		b.cookiesMenu(ctx, cb.chat, cb.editID)
	case strings.HasPrefix(d, "cookie_set_"):
		if !b.opts.Access.IsAdmin(chatID) || b.opts.Accounts == nil {
			return
		}
		b.settingChanged(b.opts.Accounts.Use(strings.TrimPrefix(d, "cookie_set_")), chatID, "cookie")
		b.cookiesMenu(ctx, cb.chat, cb.editID)
	default:
		log.Debug().Str("component", "bot").Str("data", d).Msg("unknown callback")
	}
}

func (b *Bot) settingChanged(err error, chatID int64, what string) {
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chatID).Str("setting", what).Msg("update setting")
	}
}

func (b *Bot) deleteConversation(chatID int64, convID string) {
	if err := b.opts.Conversations.Delete(chatID, convID); err != nil {
		log.Debug().Err(err).Str("component", "bot").Int64("chat_id", chatID).Str("conv_id", convID).Msg("delete conversation")
	}
	b.opts.Metrics.SetOpenConversations(b.opts.Conversations.Len())
}

// dropButtons rewrites the callback message's keyboard without the buttons
// drop matches.
func (b *Bot) dropButtons(ctx context.Context, cb callback, drop func(data string) bool) {
	if cb.msg.ReplyMarkup == nil {
		return
	}
	kept := &telegram.InlineKeyboard{}
	for _, row := range cb.msg.ReplyMarkup.InlineKeyboard {
		var r []telegram.InlineButton
		for _, btn := range row {
			if !drop(btn.CallbackData) {
				r = append(r, btn)
			}
		}
		if len(r) > 0 {
			kept.InlineKeyboard = append(kept.InlineKeyboard, r)
		}
	}
	if len(kept.InlineKeyboard) == 0 {
		kept = nil
	}
	if err := b.opts.API.EditMessageReplyMarkup(ctx, cb.chat.ID, int64(cb.editID), kept); err != nil {
		log.Debug().Err(err).Str("component", "bot").Int64("chat_id", cb.chat.ID).Msg("edit keyboard failed")
	}
}

// suggestion plays the text of a suggested reply button as the next prompt.
func (b *Bot) suggestion(ctx context.Context, cb callback, data string) {
	prompt := ""
	if cb.msg.ReplyMarkup != nil {
		for _, row := range cb.msg.ReplyMarkup.InlineKeyboard {
			for _, btn := range row {
				if btn.CallbackData == data {
					prompt = btn.Text
				}
			}
		}
	}
	if prompt == "" {
		return
	}
	if err := b.opts.API.EditMessageReplyMarkup(ctx, cb.chat.ID, int64(cb.editID), nil); err != nil {
		log.Debug().Err(err).Str("component", "bot").Int64("chat_id", cb.chat.ID).Msg("clear keyboard failed")
	}
	_ = b.ask(ctx, cb.chat, prompt, cb.group)
}

// speakAnswer synthesizes one earlier answer on demand. ref is
// "<conversation>_<turn>".
func (b *Bot) speakAnswer(ctx context.Context, cb callback, ref string) {
	idx := strings.LastIndexByte(ref, '_')
	if idx < 0 {
		return
	}
	convID, turn := ref[:idx], ref[idx+1:]
	answer := ""
	if conv, ok := b.opts.Conversations.Get(cb.chat.ID, convID); ok {
		answer = conv.LastAnswer()
		transcript := conv.Transcript()
		if n, err := strconv.Atoi(turn); err == nil && n >= 1 && n <= len(transcript) {
			answer = transcript[n-1].Answer
		}
	}
	if answer == "" || b.opts.Synthesizer == nil {
		b.say(ctx, cb.chat, forgotten)
		return
	}
	voice := b.prefs(ctx, cb.chat.ID).Voice
	stop := b.indicator(cb.chat, "record_voice")
	audio, err := b.opts.Synthesizer.Synthesize(ctx, markdown.PlainText(answer), voice)
	stop()
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Str("conv_id", convID).Msg("speech synthesis failed")
		return
	}
	if err := b.messenger.SendVoice(ctx, cb.chat, fmt.Sprintf("%s_%s.ogg", convID, turn), audio); err != nil {
		log.Warn().Err(err).Str("component", "bot").Str("conv_id", convID).Msg("send voice failed")
	}
}
