// Package telegram is a small Bot API client covering what the relay needs:
// long polling, HTML messages with inline keyboards, edits, uploads and file
// downloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	ParseModeHTML  = "HTML"
	maxDownload    = 20 * 1024 * 1024
)

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// RequestError is a Bot API call that did not succeed.
type RequestError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
	RetryAfter  time.Duration
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = strings.TrimSpace(e.Body)
	}
	if e.StatusCode > 0 {
		if desc != "" {
			return fmt.Sprintf("telegram %s http %d: %s", e.Method, e.StatusCode, desc)
		}
		return fmt.Sprintf("telegram %s http %d", e.Method, e.StatusCode)
	}
	if desc != "" {
		return "telegram " + e.Method + ": " + desc
	}
	return "telegram " + e.Method + " failed"
}

// NotModified reports an edit whose content equals the current one.
func (e *RequestError) NotModified() bool {
	return e != nil && strings.Contains(strings.ToLower(e.Description), "message is not modified")
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call posts a JSON body and decodes the result into out when non-nil.
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s", method)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, method, out)
}

// upload posts a multipart form with one file part.
func (c *Client) upload(ctx context.Context, method string, fields map[string]string, file Upload, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()
		for k, v := range fields {
			if v == "" {
				continue
			}
			if err := mw.WriteField(k, v); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile(file.Field, file.Filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := part.Write(file.Data); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "telegram %s", method)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var ar apiResponse
	_ = json.Unmarshal(raw, &ar)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !ar.OK {
		re := &RequestError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   ar.ErrorCode,
			Description: ar.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			re.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return re
	}
	if out == nil || len(ar.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates at or after offset. It returns the next
// offset to poll with.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	body := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, "getUpdates", body, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	if req.ParseMode == "" {
		req.ParseMode = ParseModeHTML
	}
	var m Message
	if err := c.call(ctx, "sendMessage", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) EditMessageText(ctx context.Context, req EditMessageTextRequest) error {
	if req.ParseMode == "" {
		req.ParseMode = ParseModeHTML
	}
	return c.call(ctx, "editMessageText", req, nil)
}

// EditMessageReplyMarkup replaces the keyboard of a message. A nil keyboard
// removes it.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, kb *InlineKeyboard) error {
	body := map[string]any{"chat_id": chatID, "message_id": messageID}
	if kb != nil {
		body["reply_markup"] = kb
	} else {
		body["reply_markup"] = InlineKeyboard{InlineKeyboard: [][]InlineButton{}}
	}
	return c.call(ctx, "editMessageReplyMarkup", body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID}, nil)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	body := map[string]any{"callback_query_id": id}
	if text != "" {
		body["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", body, nil)
}

func (c *Client) SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error {
	body := map[string]any{"chat_id": chatID, "action": action}
	if threadID != 0 {
		body["message_thread_id"] = threadID
	}
	return c.call(ctx, "sendChatAction", body, nil)
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, replyTo int64, filename string, data []byte, caption string) error {
	fields := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    caption,
		"parse_mode": ParseModeHTML,
	}
	if replyTo != 0 {
		fields["reply_to_message_id"] = strconv.FormatInt(replyTo, 10)
	}
	return c.upload(ctx, "sendDocument", fields, Upload{Field: "document", Filename: filename, Data: data}, nil)
}

func (c *Client) SendVoice(ctx context.Context, chatID int64, replyTo int64, filename string, data []byte, caption string) error {
	fields := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"caption": caption,
	}
	if replyTo != 0 {
		fields["reply_to_message_id"] = strconv.FormatInt(replyTo, 10)
	}
	return c.upload(ctx, "sendVoice", fields, Upload{Field: "voice", Filename: filename, Data: data}, nil)
}

// SendMediaGroup sends photos by URL as one album. The caption is attached to
// the first photo.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, replyTo int64, urls []string, caption string) error {
	if len(urls) == 0 {
		return nil
	}
	media := make([]InputMediaPhoto, 0, len(urls))
	for i, u := range urls {
		item := InputMediaPhoto{Type: "photo", Media: u}
		if i == 0 && caption != "" {
			item.Caption = caption
			item.ParseMode = ParseModeHTML
		}
		media = append(media, item)
	}
	body := map[string]any{"chat_id": chatID, "media": media}
	if replyTo != 0 {
		body["reply_to_message_id"] = replyTo
	}
	return c.call(ctx, "sendMediaGroup", body, nil)
}

func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("missing file_id")
	}
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.FilePath) == "" {
		return nil, errors.New("telegram getFile: missing file_path")
	}
	return &f, nil
}

// DownloadFile fetches a file previously resolved with GetFile.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	filePath = strings.TrimLeft(strings.TrimSpace(filePath), "/")
	if filePath == "" {
		return nil, errors.New("missing file_path")
	}
	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, (&url.URL{Path: filePath}).EscapedPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "telegram download")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("telegram download http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, errors.Wrap(err, "telegram download")
	}
	if len(data) > maxDownload {
		return nil, errors.Errorf("telegram file too large (>%d bytes)", maxDownload)
	}
	return data, nil
}
