package reconcile

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/markdown"
	"github.com/go-go-golems/relaybot/pkg/upstream"
)

// finalize turns the final payload into the finished chat message.
func (t *turn) finalize(ctx context.Context, p *upstream.Payload, res Result) (Result, error) {
	o := t.r.opts
	switch p.Status {
	case upstream.StatusThrottled:
		t.notify(ctx, ErrorPrefix+QuotaMessage)
		res.Outcome = OutcomeThrottled
		return res, nil
	case upstream.StatusError:
		log.Error().Str("component", "reconcile").Str("conv_id", t.conv.ID).Str("error", p.Error).Msg("upstream error")
		t.notify(ctx, ErrorPrefix+html.EscapeString(p.Error))
		res.Outcome = OutcomeError
		return res, nil
	}

	if p.Exhausted() {
		return t.exhausted(ctx, res)
	}

	var answers []string
	edited := false
	for _, f := range p.Answer() {
		if f.Text == "" {
			if f.CardText != "" {
				_, err := o.Messenger.Send(ctx, t.req.Chat, t.annotate(p, f.CardText), nil)
				t.ui("send", err)
			}
			continue
		}
		if t.deliver(ctx, p, f, !edited) {
			res.Overflow = true
		}
		edited = true
		answers = append(answers, f.Text)
	}
	if len(answers) > 0 {
		o.Conversations.RecordExchange(t.conv, t.req.Prompt, strings.Join(answers, "\n\n"))
	}
	if !p.Expiry.IsZero() {
		t.armExpiry(p.Expiry)
	}
	res.Outcome = OutcomeAnswered
	return res, nil
}

// exhausted replaces a conversation the upstream will not answer in anymore.
func (t *turn) exhausted(ctx context.Context, res Result) (Result, error) {
	o := t.r.opts
	chatID := t.req.Chat.ID
	t.ui("delete", o.Messenger.Delete(ctx, t.req.Chat, t.messageID))
	if err := o.Conversations.Finish(chatID, t.conv.ID); err != nil {
		log.Warn().Err(err).Str("component", "reconcile").Str("conv_id", t.conv.ID).Msg("finish exhausted conversation")
	}
	res.Outcome = OutcomeExhausted
	next, err := o.Conversations.GetOrCreate(ctx, chatID)
	if err != nil {
		t.notify(ctx, ErrorPrefix+html.EscapeString(err.Error()))
		return res, errors.Wrap(err, "replace exhausted conversation")
	}
	res.ConversationID = next.ID
	t.notify(ctx, ExhaustedNote)
	return res, nil
}

// deliver renders one answer fragment. The first fragment replaces the live
// message, later ones are sent as new messages. It reports whether the
// fragment overflowed into a document.
func (t *turn) deliver(ctx context.Context, p *upstream.Payload, f upstream.Fragment, first bool) bool {
	o := t.r.opts
	chat := t.req.Chat
	body, refs := markdown.LinkReferences(markdown.Render(f.Text), f.Attributions)
	text := "<b>" + t.req.Settings.Label + "</b>: " + body
	if line := markdown.ReferencesLine(refs); line != "" {
		text += "\n\n" + line
	}
	kb := t.keyboard(p, f)
	msg := t.annotate(p, t.header+"\n\n"+text)

	overflow := utf8.RuneCountInString(msg) >= o.Ceiling
	switch {
	case !overflow && first:
		t.ui("edit", o.Messenger.Edit(ctx, chat, t.messageID, msg, kb))
	case !overflow:
		_, err := o.Messenger.Send(ctx, chat, msg, kb)
		t.ui("send", err)
	default:
		if o.Observer != nil && !t.overflow {
			o.Observer.Overflowed()
		}
		notice := t.annotate(p, t.fitted()+"\n\n"+documentNotice)
		if first {
			t.ui("edit", o.Messenger.Edit(ctx, chat, t.messageID, notice, kb))
		} else {
			_, err := o.Messenger.Send(ctx, chat, notice, kb)
			t.ui("send", err)
		}
		name := fmt.Sprintf("%s_%d.md", t.conv.ID, t.turnNumber(p))
		t.ui("document", o.Messenger.SendDocument(ctx, chat, name, []byte(f.Text), html.EscapeString(truncate(t.req.Prompt, captionLimit))))
	}

	if t.req.Settings.TTS && o.Synthesizer != nil {
		t.speak(ctx, p, f)
	}
	if images := imagesOf(f); len(images) > 0 {
		t.ui("media", o.Messenger.SendMediaGroup(ctx, chat, images, t.header))
	}
	return overflow
}

func (t *turn) speak(ctx context.Context, p *upstream.Payload, f upstream.Fragment) {
	o := t.r.opts
	audio, err := o.Synthesizer.Synthesize(ctx, markdown.PlainText(f.Text), t.req.Settings.Voice)
	if err != nil {
		log.Warn().Err(err).Str("component", "reconcile").Str("conv_id", t.conv.ID).Msg("speech synthesis failed")
		return
	}
	name := fmt.Sprintf("%s_%d.ogg", t.conv.ID, t.turnNumber(p))
	t.ui("voice", o.Messenger.SendVoice(ctx, t.req.Chat, name, audio))
}

func (t *turn) armExpiry(at time.Time) {
	t.r.opts.Conversations.SetExpiry(t.conv, at)
	t.r.ArmExpiry(t.req.Chat.ID, t.conv.ID, at)
	t.disarmed = false
}

// annotate appends the usage counters and conversation id.
func (t *turn) annotate(p *upstream.Payload, text string) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\n")
	if p.Throttling != nil {
		fmt.Fprintf(&b, "<code>Message: %d/%d</code>\n", p.Throttling.Current, p.Throttling.Max)
	}
	fmt.Fprintf(&b, "<code>Conversation ID: %s</code>\n", t.conv.ID)
	return b.String()
}

func (t *turn) turnNumber(p *upstream.Payload) int {
	if p.Throttling != nil {
		return p.Throttling.Current
	}
	return 0
}

// keyboard builds the answer buttons: suggested replies (not in groups), the
// speech button when speech is off, export, delete and new conversation.
func (t *turn) keyboard(p *upstream.Payload, f upstream.Fragment) Keyboard {
	id := t.conv.ID
	var kb Keyboard
	if !t.req.Group {
		for i, s := range f.Suggestions {
			kb = append(kb, []Button{{Text: s, Data: fmt.Sprintf("response_%d", i)}})
		}
	}
	var actions []Button
	if !t.req.Settings.TTS {
		actions = append(actions, Button{Text: "🗣 TTS", Data: fmt.Sprintf("tts_send_%s_%d", id, t.turnNumber(p))})
	}
	actions = append(actions,
		Button{Text: "📄 Export", Data: "conv_export_" + id},
		Button{Text: "❌ Delete", Data: "conv_delete_bt_" + id},
	)
	kb = append(kb, actions, []Button{{Text: "✏️ New conversation", Data: "conv_new"}})
	return kb
}

func imagesOf(f upstream.Fragment) []string {
	if f.CardText != "" {
		return markdown.ExtractImages(f.CardText)
	}
	return markdown.ExtractImages(f.Text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
