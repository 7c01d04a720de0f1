package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/settings"
)

const languagesPerRow = 6

var errNoCatalog = errors.New("no voice catalog")

var (
	backToSettings  = reconcile.Button{Text: "« Back to Settings", Data: "settings_menu"}
	backToLanguages = reconcile.Button{Text: "« Back to Languages", Data: "langs_menu"}
	backToBackends  = reconcile.Button{Text: "« Back to Backends", Data: "backends_menu"}
)

func row(buttons ...reconcile.Button) []reconcile.Button {
	return buttons
}

func (b *Bot) settingsMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	kb := reconcile.Keyboard{
		row(reconcile.Button{Text: "Languages/Voices", Data: "langs_menu"}),
		row(reconcile.Button{Text: "Conversation styles", Data: "styles_menu"}),
		row(reconcile.Button{Text: "Toggle TTS", Data: "tts_menu"}),
		row(reconcile.Button{Text: "Backends", Data: "backends_menu"}),
	}
	if b.opts.Access.IsAdmin(chat.ID) && b.opts.Accounts != nil {
		kb = append(kb, row(reconcile.Button{Text: "Cookies", Data: "cookies_menu"}))
	}
	b.show(ctx, chat, editID, "Bot settings", kb)
}

func (b *Bot) voiceUnavailable(ctx context.Context, chat reconcile.ChatRef, editID int, err error) {
	log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chat.ID).Msg("list voices")
	b.show(ctx, chat, editID, "Voices are not available right now.", reconcile.Keyboard{row(backToSettings)})
}

func currentVoice(voice string) string {
	return fmt.Sprintf("Your current voice is <b>%s</b>", escape(voice))
}

func (b *Bot) languagesMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	if b.opts.Voices == nil {
		b.voiceUnavailable(ctx, chat, editID, errNoCatalog)
		return
	}
	langs, err := b.opts.Voices.Languages(ctx)
	if err != nil {
		b.voiceUnavailable(ctx, chat, editID, err)
		return
	}
	var kb reconcile.Keyboard
	for start := 0; start < len(langs); start += languagesPerRow {
		end := min(start+languagesPerRow, len(langs))
		var r []reconcile.Button
		for _, lang := range langs[start:end] {
			r = append(r, reconcile.Button{Text: strings.ToUpper(lang), Data: "genders_menu_" + lang})
		}
		kb = append(kb, r)
	}
	kb = append(kb, row(backToSettings))
	voice := b.prefs(ctx, chat.ID).Voice
	b.show(ctx, chat, editID, currentVoice(voice)+"\n\nLanguages list:", kb)
}

func (b *Bot) gendersMenu(ctx context.Context, chat reconcile.ChatRef, editID int, lang string) {
	if b.opts.Voices == nil {
		b.voiceUnavailable(ctx, chat, editID, errNoCatalog)
		return
	}
	genders, err := b.opts.Voices.Genders(ctx, lang)
	if err != nil {
		b.voiceUnavailable(ctx, chat, editID, err)
		return
	}
	var kb reconcile.Keyboard
	for _, g := range genders {
		kb = append(kb, row(reconcile.Button{Text: g, Data: fmt.Sprintf("voices_menu_%s_%s", lang, g)}))
	}
	kb = append(kb, row(backToLanguages, backToSettings))
	voice := b.prefs(ctx, chat.ID).Voice
	b.show(ctx, chat, editID, currentVoice(voice)+"\n\nGenders list:", kb)
}

func (b *Bot) voicesMenu(ctx context.Context, chat reconcile.ChatRef, editID int, lang, gender string) {
	if b.opts.Voices == nil {
		b.voiceUnavailable(ctx, chat, editID, errNoCatalog)
		return
	}
	voices, err := b.opts.Voices.Voices(ctx, lang, gender)
	if err != nil {
		b.voiceUnavailable(ctx, chat, editID, err)
		return
	}
	current := b.prefs(ctx, chat.ID).Voice
	var kb reconcile.Keyboard
	for _, v := range voices {
		kb = append(kb, row(reconcile.Button{
			Text: marked(v, v == current),
			Data: fmt.Sprintf("voice_set_%s_%s_%s", lang, gender, v),
		}))
	}
	kb = append(kb, row(
		reconcile.Button{Text: "« Back to Genders", Data: "genders_menu_" + lang},
		backToLanguages,
		backToSettings,
	))
	b.show(ctx, chat, editID, currentVoice(current)+"\n\nVoices list:", kb)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (b *Bot) stylesMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	current := b.prefs(ctx, chat.ID).Style
	var kb reconcile.Keyboard
	for _, st := range settings.Styles {
		kb = append(kb, row(reconcile.Button{Text: marked(capitalize(st), st == current), Data: "style_set_" + st}))
	}
	kb = append(kb, row(backToSettings))
	text := fmt.Sprintf("Your current conversation style is <b>%s</b>\n\nConversation styles:", capitalize(current))
	b.show(ctx, chat, editID, text, kb)
}

func (b *Bot) ttsMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	state := "No"
	if b.prefs(ctx, chat.ID).TTS.Enabled() {
		state = "Yes"
	}
	kb := reconcile.Keyboard{
		row(reconcile.Button{Text: "Enabled: " + state, Data: "tts_toggle"}),
		row(backToSettings),
	}
	b.show(ctx, chat, editID, "Automatic Text-to-Speech", kb)
}

func (b *Bot) backendsMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	kb := reconcile.Keyboard{
		row(reconcile.Button{Text: "Chat", Data: "backend_menu_chat"}),
		row(reconcile.Button{Text: "ASR", Data: "backend_menu_asr"}),
		row(reconcile.Button{Text: "Image", Data: "backend_menu_image"}),
		row(backToSettings),
	}
	b.show(ctx, chat, editID, "Backends", kb)
}

func capabilityLabel(c settings.Capability) string {
	if c == settings.CapabilityASR {
		return "ASR"
	}
	return capitalize(string(c))
}

func (b *Bot) backendMenu(ctx context.Context, chat reconcile.ChatRef, editID int, c settings.Capability) {
	names := settings.BackendsFor(c)
	if len(names) == 0 {
		b.backendsMenu(ctx, chat, editID)
		return
	}
	current := b.prefs(ctx, chat.ID).Backend(c)
	var kb reconcile.Keyboard
	for _, n := range names {
		kb = append(kb, row(reconcile.Button{Text: marked(n, n == current), Data: fmt.Sprintf("backend_set_%s_%s", c, n)}))
	}
	kb = append(kb, row(backToBackends, backToSettings))
	label := capabilityLabel(c)
	text := fmt.Sprintf("Your current %s backend is <b>%s</b>\n\n%s backends:", label, escape(current), label)
	b.show(ctx, chat, editID, text, kb)
}

func (b *Bot) cookiesMenu(ctx context.Context, chat reconcile.ChatRef, editID int) {
	if !b.opts.Access.IsAdmin(chat.ID) || b.opts.Accounts == nil {
		b.say(ctx, chat, "🙅 You don't have permissions to run this command")
		return
	}
	current := b.opts.Accounts.Current()
	var kb reconcile.Keyboard
	for _, n := range b.opts.Accounts.Names() {
		kb = append(kb, row(reconcile.Button{Text: marked(n, n == current), Data: "cookie_set_" + n}))
	}
	kb = append(kb, row(backToSettings))
	b.show(ctx, chat, editID, fmt.Sprintf("Your current cookie is <b>%s</b>\n\ncookies:", escape(current)), kb)
}
