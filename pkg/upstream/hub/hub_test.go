package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

type fakeHub struct {
	t        *testing.T
	mu       sync.Mutex
	cookies  []string
	prompts  []invocationArgs
	replies  [][]byte
	createFn func(w http.ResponseWriter)
}

func (h *fakeHub) handler() http.Handler {
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.cookies = append(h.cookies, r.Header.Get("Cookie"))
		h.mu.Unlock()
		if h.createFn != nil {
			h.createFn(w)
			return
		}
		_, _ = w.Write([]byte(`{"conversationId":"51D|BingProd|ABCDEF123456","clientId":"c1","conversationSignature":"sig","result":{"value":"Success"}}`))
	})
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(h.t, err)
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		require.NoError(h.t, err)
		require.Contains(h.t, string(msg), `"protocol":"json"`)
		require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, []byte("{}\x1e")))

		// ping then the invocation
		for i := 0; i < 2; i++ {
			_, msg, err = conn.ReadMessage()
			require.NoError(h.t, err)
			for _, rec := range splitRecords(msg) {
				var inv invocation
				require.NoError(h.t, json.Unmarshal(rec, &inv))
				if inv.Type == frameInvocation {
					h.mu.Lock()
					h.prompts = append(h.prompts, inv.Arguments[0])
					h.mu.Unlock()
				}
			}
		}
		for _, r := range h.replies {
			require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, r))
		}
	})
	return mux
}

func (h *fakeHub) seen() ([]string, []invocationArgs) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cookies...), append([]invocationArgs(nil), h.prompts...)
}

func newTestTransport(t *testing.T, h *fakeHub, accounts *Accounts) *Transport {
	t.Helper()
	h.t = t
	srv := httptest.NewServer(h.handler())
	t.Cleanup(srv.Close)
	tr, err := New(Options{
		Name:      "bing",
		CreateURL: srv.URL + "/create",
		HubURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/hub",
		HTTP:      srv.Client(),
		Accounts:  accounts,
	})
	require.NoError(t, err)
	return tr
}

const completion = `{"type":2,"invocationId":"0","item":{"messages":[` +
	`{"author":"user","text":"hello"},` +
	`{"author":"bot","text":"Searching","messageType":"InternalSearchQuery"},` +
	`{"author":"bot","text":"Hi there[^1^]","adaptiveCards":[{"body":[{"type":"TextBlock","text":"Hi there"}]}],` +
	`"sourceAttributions":[{"seeMoreUrl":"https://example.com"}],"suggestedResponses":[{"text":"Tell me more"}]}],` +
	`"result":{"value":"Success"},"throttling":{"numUserMessagesInConversation":1,"maxNumUserMessagesInConversation":20},` +
	`"conversationExpiryTime":"2026-10-14T12:00:00Z"}}` + "\x1e"

func TestHub_StreamsPartialsThenFinal(t *testing.T) {
	h := &fakeHub{replies: [][]byte{
		[]byte(`{"type":1,"target":"update","arguments":[{"messages":[{"author":"bot","text":"Hi"}]}]}` + "\x1e" +
			`{"type":1,"target":"update","arguments":[{"messages":[{"author":"bot","text":"Hi there"}]}]}` + "\x1e"),
		[]byte(`{"type":6}` + "\x1e" + completion),
		[]byte(`{"type":3}` + "\x1e"),
	}}
	tr := newTestTransport(t, h, nil)
	ctx := context.Background()

	sess, err := tr.Open(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "51D|BingProd|ABCDEF123456", sess.ID())

	st, err := sess.AskStream(ctx, "hello", upstream.StylePrecise)
	require.NoError(t, err)
	defer st.Close()

	var partials []string
	var final *upstream.Payload
	for {
		snap, err := st.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if snap.Final {
			final = snap.Payload
			continue
		}
		partials = append(partials, snap.Partial)
	}
	require.Equal(t, []string{"Hi", "Hi there"}, partials)
	require.NotNil(t, final)
	require.Equal(t, upstream.StatusSuccess, final.Status)
	require.Equal(t, &upstream.Throttling{Current: 1, Max: 20}, final.Throttling)
	require.Equal(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), final.Expiry.UTC())

	answer := final.Answer()
	require.Len(t, answer, 1)
	require.Equal(t, "Hi there[^1^]", answer[0].Text)
	require.Equal(t, "Hi there", answer[0].CardText)
	require.Equal(t, []string{"https://example.com"}, answer[0].Attributions)
	require.Equal(t, []string{"Tell me more"}, answer[0].Suggestions)

	_, prompts := h.seen()
	require.Len(t, prompts, 1)
	require.True(t, prompts[0].IsStartOfSession)
	require.Equal(t, "hello", prompts[0].Message.Text)
	require.Equal(t, "c1", prompts[0].Participant.ID)
	require.Contains(t, prompts[0].OptionsSets, "h3precise")
}

func TestHub_CloseBeforeCompletion(t *testing.T) {
	h := &fakeHub{replies: [][]byte{[]byte(`{"type":3,"error":"boom"}` + "\x1e")}}
	tr := newTestTransport(t, h, nil)
	sess, err := tr.Open(context.Background(), "")
	require.NoError(t, err)
	st, err := sess.AskStream(context.Background(), "x", upstream.StyleBalanced)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Recv()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestHub_CreateFailure(t *testing.T) {
	h := &fakeHub{createFn: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"result":{"value":"Forbidden","message":"bad cookie"}}`))
	}}
	tr := newTestTransport(t, h, nil)
	_, err := tr.Open(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad cookie")
}

func TestHub_ResumeContinuesSession(t *testing.T) {
	h := &fakeHub{replies: [][]byte{[]byte(completion)}}
	tr := newTestTransport(t, h, nil)
	ctx := context.Background()

	sess, err := tr.Open(ctx, "")
	require.NoError(t, err)
	st, err := sess.AskStream(ctx, "one", upstream.StyleBalanced)
	require.NoError(t, err)
	_, err = st.Recv()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	state := sess.State()
	require.Equal(t, "bing", state.Backend)
	require.Equal(t, "1", state.Data["invocation"])

	resumed, err := tr.Resume(ctx, state)
	require.NoError(t, err)
	require.Equal(t, sess.ID(), resumed.ID())
	st, err = resumed.AskStream(ctx, "two", upstream.StyleBalanced)
	require.NoError(t, err)
	_, err = st.Recv()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, prompts := h.seen()
	require.Len(t, prompts, 2)
	require.False(t, prompts[1].IsStartOfSession)

	_, err = tr.Resume(ctx, upstream.ResumeState{Backend: "bing"})
	require.Error(t, err)

	require.NoError(t, resumed.Close())
	_, err = resumed.AskStream(ctx, "three", upstream.StyleBalanced)
	require.Error(t, err)
}

func TestAccounts_CookieHeaderAndSelection(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}
	a1 := write("alice.json", `[{"name":"_U","value":"AAA"},{"name":"SRCHHPGUSR","value":"x"}]`)
	a2 := write("bob.json", `[{"name":"_U","value":"BBB"}]`)
	current := filepath.Join(dir, "current_cookie")

	acc, err := LoadAccounts([]string{a1, a2, filepath.Join(dir, "missing.json")}, current)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, acc.Names())
	require.Equal(t, "alice", acc.Current())
	require.Equal(t, "_U=AAA; SRCHHPGUSR=x", acc.Header(""))

	require.NoError(t, acc.Use("bob"))
	require.Error(t, acc.Use("carol"))
	require.Equal(t, "_U=BBB", acc.Header(""))

	reloaded, err := LoadAccounts([]string{a1, a2}, current)
	require.NoError(t, err)
	require.Equal(t, "bob", reloaded.Current())

	h := &fakeHub{replies: nil}
	tr := newTestTransport(t, h, reloaded)
	_, err = tr.Open(context.Background(), "alice")
	require.NoError(t, err)
	cookies, _ := h.seen()
	require.Equal(t, []string{"_U=AAA; SRCHHPGUSR=x"}, cookies)

	_, err = LoadAccounts([]string{write("broken.json", "{")}, "")
	require.Error(t, err)

	var none *Accounts
	require.Equal(t, "", none.Header(""))
}

func TestPayload_Statuses(t *testing.T) {
	it := completionItem{Result: hubResult{Value: "Throttled", Message: "quota"}}
	p := it.payload()
	require.Equal(t, upstream.StatusThrottled, p.Status)
	require.Equal(t, "quota", p.Error)

	it = completionItem{Result: hubResult{Value: "InternalError", Error: "oops"}}
	p = it.payload()
	require.Equal(t, upstream.StatusError, p.Status)
	require.Equal(t, "oops", p.Error)

	it = completionItem{
		Result:   hubResult{Value: "Success"},
		Messages: []hubMessage{{Author: "bot", Text: "limit", ContentOrigin: "TurnLimiter"}},
	}
	require.True(t, it.payload().Exhausted())
}
