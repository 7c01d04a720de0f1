package bot

import (
	"context"

	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/telegram"
)

// API is the part of the Bot API the bot talks to.
type API interface {
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
	EditMessageText(ctx context.Context, req telegram.EditMessageTextRequest) error
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, kb *telegram.InlineKeyboard) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
	SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error
	SendDocument(ctx context.Context, chatID int64, replyTo int64, filename string, data []byte, caption string) error
	SendVoice(ctx context.Context, chatID int64, replyTo int64, filename string, data []byte, caption string) error
	SendMediaGroup(ctx context.Context, chatID int64, replyTo int64, urls []string, caption string) error
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
}

var _ API = (*telegram.Client)(nil)

// Messenger renders reconciler output as Telegram messages.
type Messenger struct {
	api API
}

var _ reconcile.Messenger = (*Messenger)(nil)

func NewMessenger(api API) *Messenger {
	return &Messenger{api: api}
}

func markup(kb reconcile.Keyboard) *telegram.InlineKeyboard {
	if len(kb) == 0 {
		return nil
	}
	out := &telegram.InlineKeyboard{InlineKeyboard: make([][]telegram.InlineButton, 0, len(kb))}
	for _, row := range kb {
		buttons := make([]telegram.InlineButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telegram.InlineButton{Text: b.Text, CallbackData: b.Data})
		}
		out.InlineKeyboard = append(out.InlineKeyboard, buttons)
	}
	return out
}

func (m *Messenger) Send(ctx context.Context, chat reconcile.ChatRef, html string, kb reconcile.Keyboard) (int, error) {
	msg, err := m.api.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:                chat.ID,
		MessageThreadID:       chat.ThreadID,
		Text:                  html,
		ParseMode:             telegram.ParseModeHTML,
		DisableWebPagePreview: true,
		ReplyToMessageID:      int64(chat.ReplyTo),
		ReplyMarkup:           markup(kb),
	})
	if err != nil {
		return 0, err
	}
	return int(msg.MessageID), nil
}

func (m *Messenger) Edit(ctx context.Context, chat reconcile.ChatRef, messageID int, html string, kb reconcile.Keyboard) error {
	return m.api.EditMessageText(ctx, telegram.EditMessageTextRequest{
		ChatID:                chat.ID,
		MessageID:             int64(messageID),
		Text:                  html,
		ParseMode:             telegram.ParseModeHTML,
		DisableWebPagePreview: true,
		ReplyMarkup:           markup(kb),
	})
}

func (m *Messenger) Delete(ctx context.Context, chat reconcile.ChatRef, messageID int) error {
	return m.api.DeleteMessage(ctx, chat.ID, int64(messageID))
}

func (m *Messenger) SendDocument(ctx context.Context, chat reconcile.ChatRef, name string, data []byte, caption string) error {
	return m.api.SendDocument(ctx, chat.ID, int64(chat.ReplyTo), name, data, caption)
}

func (m *Messenger) SendMediaGroup(ctx context.Context, chat reconcile.ChatRef, urls []string, caption string) error {
	return m.api.SendMediaGroup(ctx, chat.ID, int64(chat.ReplyTo), urls, caption)
}

func (m *Messenger) SendVoice(ctx context.Context, chat reconcile.ChatRef, name string, audio []byte) error {
	return m.api.SendVoice(ctx, chat.ID, int64(chat.ReplyTo), name, audio, "")
}

func (m *Messenger) SendChatAction(ctx context.Context, chat reconcile.ChatRef, action string) error {
	return m.api.SendChatAction(ctx, chat.ID, chat.ThreadID, action)
}
