package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Path        string
	ContentType string
	Body        map[string]any
	Form        map[string]string
	FileName    string
	FileData    string
}

func newTestServer(t *testing.T, respond func(method string) (int, string)) (*Client, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Path: r.URL.Path, ContentType: r.Header.Get("Content-Type")}
		if strings.HasPrefix(rec.ContentType, "multipart/") {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			rec.Form = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				rec.Form[k] = v[0]
			}
			for _, files := range r.MultipartForm.File {
				f, err := files[0].Open()
				require.NoError(t, err)
				b, _ := io.ReadAll(f)
				_ = f.Close()
				rec.FileName = files[0].Filename
				rec.FileData = string(b)
			}
		} else if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			if len(b) > 0 {
				require.NoError(t, json.Unmarshal(b, &rec.Body))
			}
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		status, body := respond(method)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, "TOKEN"), &reqs
}

func TestSendMessage_HTMLWithKeyboard(t *testing.T) {
	c, reqs := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":77,"chat":{"id":5,"type":"private"}}}`
	})
	msg, err := c.SendMessage(context.Background(), SendMessageRequest{
		ChatID: 5,
		Text:   "<b>hi</b>",
		ReplyMarkup: &InlineKeyboard{InlineKeyboard: [][]InlineButton{
			{{Text: "New", CallbackData: "conv_new"}},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(77), msg.MessageID)

	require.Len(t, *reqs, 1)
	r := (*reqs)[0]
	require.Equal(t, "/botTOKEN/sendMessage", r.Path)
	require.Equal(t, "HTML", r.Body["parse_mode"])
	require.Equal(t, "<b>hi</b>", r.Body["text"])
	kb := r.Body["reply_markup"].(map[string]any)["inline_keyboard"].([]any)
	require.Len(t, kb, 1)
}

func TestEditMessageText_NotModified(t *testing.T) {
	c, _ := newTestServer(t, func(string) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`
	})
	err := c.EditMessageText(context.Background(), EditMessageTextRequest{ChatID: 1, MessageID: 2, Text: "x"})
	require.Error(t, err)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	require.True(t, re.NotModified())
	require.Equal(t, 400, re.ErrorCode)
	require.Contains(t, err.Error(), "editMessageText")
}

func TestRequestError_RetryAfter(t *testing.T) {
	c, _ := newTestServer(t, func(string) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`
	})
	err := c.DeleteMessage(context.Background(), 1, 2)
	var re *RequestError
	require.True(t, errors.As(err, &re))
	require.Equal(t, 3*time.Second, re.RetryAfter)
	require.False(t, re.NotModified())
}

func TestSendDocument_Multipart(t *testing.T) {
	c, reqs := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":1}}`
	})
	err := c.SendDocument(context.Background(), 9, 4, "abc_1.md", []byte("# full answer"), "question")
	require.NoError(t, err)

	r := (*reqs)[0]
	require.Equal(t, "/botTOKEN/sendDocument", r.Path)
	require.Equal(t, "9", r.Form["chat_id"])
	require.Equal(t, "4", r.Form["reply_to_message_id"])
	require.Equal(t, "question", r.Form["caption"])
	require.Equal(t, "abc_1.md", r.FileName)
	require.Equal(t, "# full answer", r.FileData)
}

func TestSendMediaGroup_CaptionOnFirst(t *testing.T) {
	c, reqs := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[]}`
	})
	require.NoError(t, c.SendMediaGroup(context.Background(), 1, 0, []string{"https://a", "https://b"}, "<b>You</b>: cat"))
	media := (*reqs)[0].Body["media"].([]any)
	require.Len(t, media, 2)
	require.Equal(t, "<b>You</b>: cat", media[0].(map[string]any)["caption"])
	_, hasCaption := media[1].(map[string]any)["caption"]
	require.False(t, hasCaption)

	require.NoError(t, c.SendMediaGroup(context.Background(), 1, 0, nil, ""))
	require.Len(t, *reqs, 1)
}

func TestGetFileAndDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getFile":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"f1","file_path":"voice/file_1.oga"}}`))
		case "/file/botTOKEN/voice/file_1.oga":
			_, _ = w.Write([]byte("OggS-audio"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.Client(), srv.URL, "TOKEN")

	f, err := c.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	data, err := c.DownloadFile(context.Background(), f.FilePath)
	require.NoError(t, err)
	require.Equal(t, "OggS-audio", string(data))

	_, err = c.GetFile(context.Background(), " ")
	require.Error(t, err)
}

func TestGetUpdates_AdvancesOffset(t *testing.T) {
	c, reqs := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"text":"/start","chat":{"id":3,"type":"private"},"entities":[{"type":"bot_command","offset":0,"length":6}]}},{"update_id":12}]}`
	})
	updates, next, err := c.GetUpdates(context.Background(), 5, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Equal(t, int64(13), next)
	require.True(t, updates[0].Message.IsCommand())
	require.Equal(t, float64(5), (*reqs)[0].Body["offset"])
}

func TestPoller_DeliversUpdatesInOrder(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	c, _ := newTestServer(t, func(string) (int, string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return http.StatusOK, `{"ok":true,"result":[{"update_id":1},{"update_id":2}]}`
		}
		return http.StatusOK, `{"ok":true,"result":[]}`
	})
	p := NewPoller(c, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	var got []int64
	err := p.Run(ctx, func(ctx context.Context, u Update) error {
		got = append(got, u.UpdateID)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, got)
	require.Equal(t, int64(3), p.Offset())
}

func TestChatIsGroup(t *testing.T) {
	require.True(t, (&Chat{Type: "supergroup"}).IsGroup())
	require.False(t, (&Chat{Type: "private"}).IsGroup())
	require.False(t, (*Chat)(nil).IsGroup())
}
