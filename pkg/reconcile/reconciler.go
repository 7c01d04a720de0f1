// Package reconcile drives one user turn against an upstream answer stream
// and keeps a single chat message in sync with it.
//
// The live message is edited at a cadence that slows down as edits pile up.
// Once the rendered text outgrows the platform ceiling the live message is
// frozen behind a placeholder and the full answer is delivered as a document
// when the stream completes.
package reconcile

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/markdown"
	"github.com/go-go-golems/relaybot/pkg/schedule"
	"github.com/go-go-golems/relaybot/pkg/upstream"
)

const (
	DefaultEditDelay      = 500 * time.Millisecond
	DefaultCeiling        = 3080
	DefaultTypingInterval = 7 * time.Second
	DefaultTypingFirst    = time.Second
	DefaultLabel          = "Bing"

	QuotaMessage   = "Reached Bing chat daily quota. Try again tomorrow, sorry!"
	ErrorPrefix    = "Chat backend error: "
	ExhaustedNote  = "This conversation reached its message limit. I started a new one, ask me again."
	notePrefix     = "#note"
	overflowNotice = "<code>Message too long. Waiting full response...</code>"
	documentNotice = "<code>Sending full response as markdown file...</code>"
	captionLimit   = 1000
)

// ChatRef addresses a chat, an optional forum thread and the user message
// the turn answers.
type ChatRef struct {
	ID       int64
	ThreadID int
	ReplyTo  int
}

type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

// Messenger is the messaging platform as seen by a turn.
type Messenger interface {
	Send(ctx context.Context, chat ChatRef, html string, kb Keyboard) (int, error)
	Edit(ctx context.Context, chat ChatRef, messageID int, html string, kb Keyboard) error
	Delete(ctx context.Context, chat ChatRef, messageID int) error
	SendDocument(ctx context.Context, chat ChatRef, name string, data []byte, caption string) error
	SendMediaGroup(ctx context.Context, chat ChatRef, urls []string, caption string) error
	SendVoice(ctx context.Context, chat ChatRef, name string, audio []byte) error
	SendChatAction(ctx context.Context, chat ChatRef, action string) error
}

// Conversations is the subset of the conversation store a turn needs.
type Conversations interface {
	GetOrCreate(ctx context.Context, chatID int64) (*conversation.Conversation, error)
	Finish(chatID int64, convID string) error
	Expire(chatID int64, convID string) error
	Touch(conv *conversation.Conversation, prompt string)
	SetExpiry(conv *conversation.Conversation, at time.Time)
	RecordExchange(conv *conversation.Conversation, prompt, answer string)
}

type Turns interface {
	Begin(conv *conversation.Conversation) conversation.Token
	Await(ctx context.Context, conv *conversation.Conversation, tok conversation.Token) error
	End(conv *conversation.Conversation, tok conversation.Token)
}

type Scheduler interface {
	Repeating(key string, interval, first time.Duration, action schedule.Action)
	Once(key string, fireAt time.Time, action schedule.Action)
	Cancel(key string) bool
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Observer receives turn level events, typically for metrics.
type Observer interface {
	TurnFinished(outcome string)
	EditIssued(outcome string)
	Overflowed()
}

// Settings are the chat preferences that shape a turn.
type Settings struct {
	Style upstream.Style
	TTS   bool
	Voice string
	// Label names the bot in rendered answers.
	Label string
}

type Request struct {
	Chat     ChatRef
	Prompt   string
	Settings Settings
	// Group hides suggested replies.
	Group bool
	// Conversation pins the turn to a conversation. Nil uses the chat's
	// current one.
	Conversation *conversation.Conversation
}

type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeError       Outcome = "error"
	OutcomeAborted     Outcome = "aborted"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeIgnored     Outcome = "ignored"
)

type Result struct {
	Outcome        Outcome
	ConversationID string
	Edits          int
	Overflow       bool
}

type Options struct {
	Messenger     Messenger
	Conversations Conversations
	Turns         Turns
	Scheduler     Scheduler
	Synthesizer   Synthesizer
	Observer      Observer

	EditDelay      time.Duration
	Ceiling        int
	TypingInterval time.Duration
	TypingFirst    time.Duration
	// Now is the clock used for edit cadence.
	Now func() time.Time
}

type Reconciler struct {
	opts Options
}

func New(opts Options) *Reconciler {
	if opts.EditDelay <= 0 {
		opts.EditDelay = DefaultEditDelay
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.TypingFirst <= 0 {
		opts.TypingFirst = DefaultTypingFirst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{opts: opts}
}

// TypingKey is the scheduler key of the typing indicator of a turn on a
// conversation.
func TypingKey(chat ChatRef, convID string) string {
	if chat.ThreadID != 0 {
		return fmt.Sprintf("typing_%d_%d_%s", chat.ID, chat.ThreadID, convID)
	}
	return fmt.Sprintf("typing_%d_%s", chat.ID, convID)
}

// ExpiryKey is the scheduler key of a conversation's expiry timer.
func ExpiryKey(chatID int64, convID string) string {
	return fmt.Sprintf("expire_%d_%s", chatID, convID)
}

// ArmExpiry schedules the removal of a conversation at at, replacing any
// timer already armed for it. A zero time arms nothing.
func (r *Reconciler) ArmExpiry(chatID int64, convID string, at time.Time) {
	if r.opts.Scheduler == nil || at.IsZero() {
		return
	}
	conversations := r.opts.Conversations
	r.opts.Scheduler.Once(ExpiryKey(chatID, convID), at, func(context.Context) {
		if err := conversations.Expire(chatID, convID); err != nil {
			log.Debug().Err(err).Str("component", "reconcile").Str("conv_id", convID).Msg("expire skipped")
		}
	})
}

// disarmExpiry stops the expiry timer of a conversation while a turn uses it.
func (r *Reconciler) disarmExpiry(chatID int64, convID string) bool {
	if r.opts.Scheduler == nil {
		return false
	}
	r.opts.Scheduler.Cancel(ExpiryKey(chatID, convID))
	return true
}

// turn is the state of one Run.
type turn struct {
	r    *Reconciler
	req  Request
	conv *conversation.Conversation
	tok  conversation.Token

	header    string
	messageID int
	typingKey string
	released  bool
	// disarmed is set while the expiry timer is held off by this turn.
	disarmed bool

	cad      *cadence
	overflow bool
	lastFit  string
}

// Run plays one prompt and reconciles the chat with the answer stream. Every
// failure is reported to the chat; the returned error is informational.
func (r *Reconciler) Run(ctx context.Context, req Request) (Result, error) {
	if strings.HasPrefix(req.Prompt, notePrefix) {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if req.Settings.Label == "" {
		req.Settings.Label = DefaultLabel
	}
	t := &turn{r: r, req: req, header: "<b>You</b>: " + html.EscapeString(req.Prompt)}
	res, err := t.run(ctx)
	t.release()
	t.rearmExpiry()
	if r.opts.Observer != nil {
		r.opts.Observer.TurnFinished(string(res.Outcome))
	}
	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("component", "reconcile").Int64("chat_id", req.Chat.ID).Str("conv_id", res.ConversationID).
		Str("outcome", string(res.Outcome)).Int("edits", res.Edits).Bool("overflow", res.Overflow).Msg("turn finished")
	return res, err
}

func (t *turn) run(ctx context.Context) (Result, error) {
	o := t.r.opts
	t.conv = t.req.Conversation
	if t.conv == nil || t.conv.Removed() {
		conv, err := o.Conversations.GetOrCreate(ctx, t.req.Chat.ID)
		if err != nil {
			t.notify(ctx, ErrorPrefix+html.EscapeString(err.Error()))
			return Result{Outcome: OutcomeUnavailable}, err
		}
		t.conv = conv
	}
	res := Result{ConversationID: t.conv.ID}

	id, err := o.Messenger.Send(ctx, t.req.Chat, t.header, nil)
	if err != nil {
		res.Outcome = OutcomeAborted
		return res, errors.Wrap(err, "send scaffolding message")
	}
	t.messageID = id

	t.tok = o.Turns.Begin(t.conv)
	if err := o.Turns.Await(ctx, t.conv, t.tok); err != nil {
		t.ui("delete", o.Messenger.Delete(ctx, t.req.Chat, t.messageID))
		res.Outcome = OutcomeAborted
		return res, errors.Wrap(err, "await turn")
	}
	t.disarmed = t.r.disarmExpiry(t.req.Chat.ID, t.conv.ID)
	t.startTyping()
	o.Conversations.Touch(t.conv, t.req.Prompt)

	stream, err := t.conv.Session().AskStream(ctx, t.req.Prompt, t.req.Settings.Style)
	if err != nil {
		t.release()
		if errors.Is(err, upstream.ErrThrottled) {
			t.notify(ctx, ErrorPrefix+QuotaMessage)
			res.Outcome = OutcomeThrottled
			return res, err
		}
		t.notify(ctx, html.EscapeString(err.Error()))
		res.Outcome = OutcomeAborted
		return res, errors.Wrap(err, "ask")
	}

	final, err := t.consume(ctx, stream)
	if cerr := stream.Close(); cerr != nil {
		log.Debug().Err(cerr).Str("component", "reconcile").Msg("stream close failed")
	}
	res.Edits = t.cad.edits
	res.Overflow = t.overflow
	t.release()
	if err != nil {
		t.notify(ctx, html.EscapeString(err.Error()))
		res.Outcome = OutcomeAborted
		return res, err
	}
	if final == nil {
		t.notify(ctx, ErrorPrefix+"the answer stream ended without a final response")
		res.Outcome = OutcomeAborted
		return res, errors.New("stream ended without final snapshot")
	}
	return t.finalize(ctx, final, res)
}

// consume reads the stream to its end, editing the live message along the
// way. It returns the final payload.
func (t *turn) consume(ctx context.Context, stream upstream.Stream) (*upstream.Payload, error) {
	o := t.r.opts
	t.cad = newCadence(o.EditDelay, o.Now())
	var final *upstream.Payload
	for {
		snap, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return final, nil
		}
		if err != nil {
			return nil, err
		}
		if snap.Final {
			final = snap.Payload
			continue
		}
		if t.overflow || !t.cad.due(o.Now()) {
			continue
		}
		text := markdown.StripStreaming(snap.Partial)
		if text == "" {
			continue
		}
		live := t.header + "\n\n<b>" + t.req.Settings.Label + "</b>: " + markdown.Render(text)
		if utf8.RuneCountInString(live) < o.Ceiling {
			t.ui("edit", o.Messenger.Edit(ctx, t.req.Chat, t.messageID, live, nil))
			t.cad.edited()
			t.lastFit = live
			continue
		}
		t.overflow = true
		if o.Observer != nil {
			o.Observer.Overflowed()
		}
		t.ui("edit", o.Messenger.Edit(ctx, t.req.Chat, t.messageID, t.fitted()+"\n\n"+overflowNotice, nil))
	}
}

// fitted is the last live text that fit under the ceiling.
func (t *turn) fitted() string {
	if t.lastFit == "" {
		return t.header
	}
	return t.lastFit
}

func (t *turn) startTyping() {
	o := t.r.opts
	if o.Scheduler == nil {
		return
	}
	chat := t.req.Chat
	t.typingKey = TypingKey(chat, t.conv.ID)
	o.Scheduler.Repeating(t.typingKey, o.TypingInterval, o.TypingFirst, func(ctx context.Context) {
		if err := o.Messenger.SendChatAction(ctx, chat, "typing"); err != nil {
			log.Debug().Err(err).Str("component", "reconcile").Int64("chat_id", chat.ID).Msg("chat action failed")
		}
	})
}

// release stops the typing indicator and ends the turn. It is safe to call
// more than once.
func (t *turn) release() {
	if t.released {
		return
	}
	t.released = true
	o := t.r.opts
	if t.typingKey != "" && o.Scheduler != nil {
		o.Scheduler.Cancel(t.typingKey)
	}
	if t.tok != "" && t.conv != nil {
		o.Turns.End(t.conv, t.tok)
	}
}

// rearmExpiry puts back the expiry timer held off by a turn that did not
// schedule a new one.
func (t *turn) rearmExpiry() {
	if !t.disarmed || t.conv == nil || t.conv.Removed() {
		return
	}
	t.disarmed = false
	t.r.ArmExpiry(t.req.Chat.ID, t.conv.ID, t.conv.Expiry())
}

func (t *turn) notify(ctx context.Context, text string) {
	_, err := t.r.opts.Messenger.Send(ctx, t.req.Chat, text, nil)
	t.ui("send", err)
}

type notModified interface {
	NotModified() bool
}

// ui swallows a messaging failure. Edits with unchanged content are benign
// and not logged.
func (t *turn) ui(op string, err error) {
	obs := t.r.opts.Observer
	if err == nil {
		if obs != nil && op == "edit" {
			obs.EditIssued("ok")
		}
		return
	}
	var nm notModified
	if errors.As(err, &nm) && nm.NotModified() {
		if obs != nil && op == "edit" {
			obs.EditIssued("not_modified")
		}
		return
	}
	if obs != nil && op == "edit" {
		obs.EditIssued("failed")
	}
	log.Warn().Err(err).Str("component", "reconcile").Str("op", op).Int64("chat_id", t.req.Chat.ID).Msg("ui call failed")
}
