// Package hub speaks to a websocket chat hub: a conversation is created over
// HTTP and every prompt is a JSON invocation streamed back over a socket.
package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

const (
	DefaultCreateURL = "https://edgeservices.bing.com/edgesvc/turing/conversation/create"
	DefaultHubURL    = "wss://sydney.bing.com/sydney/ChatHub"
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0"
)

// Keys of ResumeState.Data.
const (
	stateClientID   = "client_id"
	stateSignature  = "signature"
	stateInvocation = "invocation"
	stateAccount    = "account"
)

type Options struct {
	// Name is the backend name sessions report in their resume state.
	Name      string
	CreateURL string
	HubURL    string
	HTTP      *http.Client
	Dialer    *websocket.Dialer
	Accounts  *Accounts
	// Proxy, when set, is used for both the HTTP and websocket legs.
	Proxy string
}

type Transport struct {
	name      string
	createURL string
	hubURL    string
	http      *http.Client
	dialer    *websocket.Dialer
	accounts  *Accounts
}

var _ upstream.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	t := &Transport{
		name:      opts.Name,
		createURL: opts.CreateURL,
		hubURL:    opts.HubURL,
		http:      opts.HTTP,
		dialer:    opts.Dialer,
		accounts:  opts.Accounts,
	}
	if t.name == "" {
		t.name = "bing"
	}
	if t.createURL == "" {
		t.createURL = DefaultCreateURL
	}
	if t.hubURL == "" {
		t.hubURL = DefaultHubURL
	}
	proxy := http.ProxyFromEnvironment
	if opts.Proxy != "" {
		u, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "parse hub proxy")
		}
		proxy = http.ProxyURL(u)
	}
	if t.http == nil {
		t.http = &http.Client{Timeout: 30 * time.Second, Transport: &http.Transport{Proxy: proxy}}
	}
	if t.dialer == nil {
		d := *websocket.DefaultDialer
		d.Proxy = proxy
		t.dialer = &d
	}
	return t, nil
}

func (t *Transport) Name() string { return t.name }

type createResponse struct {
	ConversationID        string    `json:"conversationId"`
	ClientID              string    `json:"clientId"`
	ConversationSignature string    `json:"conversationSignature"`
	Result                hubResult `json:"result"`
}

// Open creates a conversation. credential names the cookie account; empty
// selects the current one.
func (t *Transport) Open(ctx context.Context, credential string) (upstream.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.createURL, nil)
	if err != nil {
		return nil, err
	}
	t.decorate(req.Header, credential)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Ms-Client-Request-Id", uuid.NewString())

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("create conversation: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var cr createResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, errors.Wrap(err, "decode create conversation")
	}
	if cr.Result.Value != "" && cr.Result.Value != "Success" {
		return nil, errors.Errorf("create conversation: %s: %s", cr.Result.Value, cr.Result.Message)
	}
	if cr.ConversationID == "" || cr.ClientID == "" || cr.ConversationSignature == "" {
		return nil, errors.New("create conversation: incomplete response")
	}
	log.Debug().Str("component", "hub").Str("conversation_id", cr.ConversationID).Msg("conversation created")
	return &Session{
		transport: t,
		id:        cr.ConversationID,
		clientID:  cr.ClientID,
		signature: cr.ConversationSignature,
		account:   credential,
	}, nil
}

// Resume reattaches to a conversation created before a restart.
func (t *Transport) Resume(_ context.Context, state upstream.ResumeState) (upstream.Session, error) {
	if state.SessionID == "" || state.Data[stateClientID] == "" || state.Data[stateSignature] == "" {
		return nil, errors.New("hub resume: incomplete state")
	}
	n, _ := strconv.Atoi(state.Data[stateInvocation])
	return &Session{
		transport:  t,
		id:         state.SessionID,
		clientID:   state.Data[stateClientID],
		signature:  state.Data[stateSignature],
		account:    state.Data[stateAccount],
		invocation: n,
	}, nil
}

func (t *Transport) decorate(h http.Header, account string) {
	h.Set("User-Agent", defaultUserAgent)
	if c := t.accounts.Header(account); c != "" {
		h.Set("Cookie", c)
	}
}

type Session struct {
	transport *Transport
	id        string
	clientID  string
	signature string
	account   string

	mu         sync.Mutex
	invocation int
	closed     bool
}

var _ upstream.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) State() upstream.ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upstream.ResumeState{
		Backend:   s.transport.name,
		SessionID: s.id,
		Data: map[string]string{
			stateClientID:   s.clientID,
			stateSignature:  s.signature,
			stateInvocation: strconv.Itoa(s.invocation),
			stateAccount:    s.account,
		},
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type invocationArgs struct {
	Source                string        `json:"source"`
	OptionsSets           []string      `json:"optionsSets"`
	IsStartOfSession      bool          `json:"isStartOfSession"`
	Message               inviteMessage `json:"message"`
	ConversationSignature string        `json:"conversationSignature"`
	Participant           struct {
		ID string `json:"id"`
	} `json:"participant"`
	ConversationID string `json:"conversationId"`
}

type inviteMessage struct {
	Author      string `json:"author"`
	InputMethod string `json:"inputMethod"`
	Text        string `json:"text"`
	MessageType string `json:"messageType"`
}

type invocation struct {
	Arguments    []invocationArgs `json:"arguments"`
	InvocationID string           `json:"invocationId"`
	Target       string           `json:"target"`
	Type         int              `json:"type"`
}

// AskStream dials the hub, performs the handshake and sends the prompt.
func (s *Session) AskStream(ctx context.Context, prompt string, style upstream.Style) (upstream.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("hub session closed")
	}
	n := s.invocation
	s.invocation++
	s.mu.Unlock()

	h := http.Header{}
	s.transport.decorate(h, s.account)
	conn, resp, err := s.transport.dialer.DialContext(ctx, s.transport.hubURL, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, upstream.ErrThrottled
		}
		return nil, errors.Wrap(err, "dial hub")
	}
	if err := handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	args := invocationArgs{
		Source:                "cib",
		OptionsSets:           optionSets(style),
		IsStartOfSession:      n == 0,
		Message:               inviteMessage{Author: upstream.AuthorUser, InputMethod: "Keyboard", Text: prompt, MessageType: "Chat"},
		ConversationSignature: s.signature,
		ConversationID:        s.id,
	}
	args.Participant.ID = s.clientID
	rec, err := encodeRecord(invocation{
		Arguments:    []invocationArgs{args},
		InvocationID: strconv.Itoa(n),
		Target:       "chat",
		Type:         frameInvocation,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, rec); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send prompt")
	}
	return newStream(ctx, conn), nil
}

func handshake(conn *websocket.Conn) error {
	rec, _ := encodeRecord(map[string]any{"protocol": "json", "version": 1})
	if err := conn.WriteMessage(websocket.TextMessage, rec); err != nil {
		return errors.Wrap(err, "hub handshake")
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return errors.Wrap(err, "hub handshake")
	}
	ping, _ := encodeRecord(map[string]int{"type": framePing})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		return errors.Wrap(err, "hub handshake")
	}
	return nil
}

// Stream reads hub records until the completion frame arrives.
type Stream struct {
	conn    *websocket.Conn
	pending []frame
	done    bool
	stop    func() bool

	closeOnce sync.Once
}

func newStream(ctx context.Context, conn *websocket.Conn) *Stream {
	s := &Stream{conn: conn}
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return s
}

func (s *Stream) Recv() (upstream.Snapshot, error) {
	for {
		if s.done {
			return upstream.Snapshot{}, io.EOF
		}
		if len(s.pending) == 0 {
			_, msg, err := s.conn.ReadMessage()
			if err != nil {
				return upstream.Snapshot{}, errors.Wrap(err, "read hub")
			}
			for _, rec := range splitRecords(msg) {
				var f frame
				if err := json.Unmarshal(rec, &f); err != nil {
					log.Debug().Err(err).Str("component", "hub").Msg("undecodable record skipped")
					continue
				}
				s.pending = append(s.pending, f)
			}
			continue
		}
		f := s.pending[0]
		s.pending = s.pending[1:]
		switch f.Type {
		case frameUpdate:
			if text, ok := f.partialText(); ok {
				return upstream.Snapshot{Partial: text}, nil
			}
		case frameCompletion:
			s.done = true
			if f.Item == nil {
				return upstream.Snapshot{}, errors.New("hub completion without item")
			}
			return upstream.Snapshot{Final: true, Payload: f.Item.payload()}, nil
		case frameClose:
			if f.Error != "" {
				return upstream.Snapshot{}, errors.Errorf("hub closed: %s", f.Error)
			}
			return upstream.Snapshot{}, errors.New("hub closed before completion")
		case framePing:
			ping, _ := encodeRecord(map[string]int{"type": framePing})
			_ = s.conn.WriteMessage(websocket.TextMessage, ping)
		}
	}
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		err = s.conn.Close()
	})
	return err
}
