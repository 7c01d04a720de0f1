package chatgpt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

type completionServer struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	status   int
	chunks   []string
}

func (c *completionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	c.mu.Lock()
	c.requests = append(c.requests, req)
	status, chunks := c.status, c.chunks
	c.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ch := range chunks {
		b, _ := json.Marshal(map[string]any{
			"id":      "c1",
			"object":  "chat.completion.chunk",
			"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": ch}}},
		})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func (c *completionServer) last() openai.ChatCompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func newTestTransport(t *testing.T, srv *completionServer, opts Options) *Transport {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	opts.APIKey = "sk-test"
	opts.BaseURL = hs.URL + "/v1"
	opts.HTTP = hs.Client()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	}
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func drain(t *testing.T, st upstream.Stream) ([]string, *upstream.Payload) {
	t.Helper()
	defer st.Close()
	var partials []string
	var final *upstream.Payload
	for {
		snap, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return partials, final
		}
		require.NoError(t, err)
		if snap.Final {
			final = snap.Payload
			continue
		}
		partials = append(partials, snap.Partial)
	}
}

func TestChatGPT_StreamsCumulativeText(t *testing.T) {
	srv := &completionServer{chunks: []string{"Hel", "lo", " there"}}
	tr := newTestTransport(t, srv, Options{System: "be brief", MaxTurns: 5})
	ctx := context.Background()

	sess, err := tr.Open(ctx, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sess.ID(), "chatgpt|"))

	st, err := sess.AskStream(ctx, "hi", upstream.StyleCreative)
	require.NoError(t, err)
	partials, final := drain(t, st)

	require.Equal(t, []string{"Hel", "Hello", "Hello there"}, partials)
	require.NotNil(t, final)
	require.Equal(t, upstream.StatusSuccess, final.Status)
	require.Equal(t, &upstream.Throttling{Current: 1, Max: 5}, final.Throttling)
	require.Equal(t, time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC), final.Expiry)
	answer := final.Answer()
	require.Len(t, answer, 1)
	require.Equal(t, "Hello there", answer[0].Text)

	req := srv.last()
	require.True(t, req.Stream)
	require.InDelta(t, 1.0, req.Temperature, 0.001)
	require.Len(t, req.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, "hi", req.Messages[1].Content)

	st, err = sess.AskStream(ctx, "again", upstream.StyleBalanced)
	require.NoError(t, err)
	drain(t, st)
	req = srv.last()
	require.Len(t, req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	require.Equal(t, "Hello there", req.Messages[2].Content)
}

func TestChatGPT_TurnCapYieldsLimiter(t *testing.T) {
	srv := &completionServer{chunks: []string{"ok"}}
	tr := newTestTransport(t, srv, Options{MaxTurns: 1})
	ctx := context.Background()
	sess, err := tr.Open(ctx, "")
	require.NoError(t, err)

	st, err := sess.AskStream(ctx, "one", upstream.StyleBalanced)
	require.NoError(t, err)
	drain(t, st)

	st, err = sess.AskStream(ctx, "two", upstream.StyleBalanced)
	require.NoError(t, err)
	_, final := drain(t, st)
	require.True(t, final.Exhausted())

	srv.mu.Lock()
	require.Len(t, srv.requests, 1)
	srv.mu.Unlock()
}

func TestChatGPT_RateLimitIsThrottled(t *testing.T) {
	srv := &completionServer{status: http.StatusTooManyRequests}
	tr := newTestTransport(t, srv, Options{})
	sess, err := tr.Open(context.Background(), "")
	require.NoError(t, err)
	_, err = sess.AskStream(context.Background(), "hi", upstream.StyleBalanced)
	require.True(t, errors.Is(err, upstream.ErrThrottled))
}

func TestChatGPT_ResumeKeepsHistory(t *testing.T) {
	srv := &completionServer{chunks: []string{"first answer"}}
	tr := newTestTransport(t, srv, Options{})
	ctx := context.Background()
	sess, err := tr.Open(ctx, "")
	require.NoError(t, err)
	st, err := sess.AskStream(ctx, "first", upstream.StylePrecise)
	require.NoError(t, err)
	drain(t, st)

	state := sess.State()
	require.Equal(t, "chatgpt", state.Backend)
	require.Equal(t, "1", state.Data["turns"])

	resumed, err := tr.Resume(ctx, state)
	require.NoError(t, err)
	st, err = resumed.AskStream(ctx, "second", upstream.StylePrecise)
	require.NoError(t, err)
	_, final := drain(t, st)
	require.Equal(t, 2, final.Throttling.Current)
	require.Len(t, srv.last().Messages, 3)

	_, err = tr.Resume(ctx, upstream.ResumeState{Backend: "chatgpt"})
	require.Error(t, err)

	require.NoError(t, resumed.Close())
	_, err = resumed.AskStream(ctx, "third", upstream.StylePrecise)
	require.Error(t, err)
}

func TestTokenCounter_FitDropsOldestExchanges(t *testing.T) {
	c, err := newTokenCounter()
	require.NoError(t, err)
	long := strings.Repeat("word ", 200)
	history := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: long},
		{Role: openai.ChatMessageRoleAssistant, Content: long},
		{Role: openai.ChatMessageRoleUser, Content: "recent question"},
		{Role: openai.ChatMessageRoleAssistant, Content: "recent answer"},
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "now"}

	out := c.fit("sys", history, user, 100)
	require.Len(t, out, 4)
	require.Equal(t, "sys", out[0].Content)
	require.Equal(t, "recent question", out[1].Content)
	require.Equal(t, "now", out[3].Content)

	out = c.fit("", history, user, 10_000)
	require.Len(t, out, 5)
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
