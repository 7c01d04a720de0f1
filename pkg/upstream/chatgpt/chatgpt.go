// Package chatgpt serves conversations from the OpenAI chat completions API.
// History is kept client side and trimmed to a token budget before every
// request.
package chatgpt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

const (
	DefaultMaxTurns    = 20
	DefaultTokenBudget = 3000
	DefaultIdleTTL     = 6 * time.Hour
	limiterText        = "This conversation has reached its limit."
)

// Keys of ResumeState.Data.
const (
	stateHistory = "history"
	stateTurns   = "turns"
)

type Options struct {
	Name        string
	Model       string
	APIKey      string
	BaseURL     string
	HTTP        *http.Client
	System      string
	MaxTurns    int
	TokenBudget int
	// IdleTTL is how long an idle conversation is kept.
	IdleTTL time.Duration
	Now     func() time.Time
}

type Transport struct {
	opts    Options
	client  *openai.Client
	counter *tokenCounter
}

var _ upstream.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("chatgpt: missing api key")
	}
	if opts.Name == "" {
		opts.Name = "chatgpt"
	}
	if opts.Model == "" {
		opts.Model = openai.GPT3Dot5Turbo
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTP != nil {
		cfg.HTTPClient = opts.HTTP
	}
	counter, err := newTokenCounter()
	if err != nil {
		return nil, err
	}
	return &Transport{opts: opts, client: openai.NewClientWithConfig(cfg), counter: counter}, nil
}

func (t *Transport) Name() string { return t.opts.Name }

// Open starts an empty conversation. The credential is unused.
func (t *Transport) Open(_ context.Context, _ string) (upstream.Session, error) {
	id := t.opts.Name + "|" + t.opts.Model + "|" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Session{t: t, id: id}, nil
}

func (t *Transport) Resume(_ context.Context, state upstream.ResumeState) (upstream.Session, error) {
	if state.SessionID == "" {
		return nil, errors.New("chatgpt resume: missing session id")
	}
	s := &Session{t: t, id: state.SessionID}
	if raw := state.Data[stateHistory]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.history); err != nil {
			return nil, errors.Wrap(err, "chatgpt resume: decode history")
		}
	}
	s.turns, _ = strconv.Atoi(state.Data[stateTurns])
	return s, nil
}

type Session struct {
	t  *Transport
	id string

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
	turns   int
	closed  bool
}

var _ upstream.Session = (*Session)(nil)

func (s *Session) ID() string { return s.id }

func (s *Session) State() upstream.ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(s.history)
	return upstream.ResumeState{
		Backend:   s.t.opts.Name,
		SessionID: s.id,
		Data: map[string]string{
			stateHistory: string(raw),
			stateTurns:   strconv.Itoa(s.turns),
		},
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.history = nil
	s.mu.Unlock()
	return nil
}

func temperature(style upstream.Style) float32 {
	switch style {
	case upstream.StyleCreative:
		return 1.0
	case upstream.StylePrecise:
		return 0.2
	default:
		return 0.7
	}
}

func (s *Session) AskStream(ctx context.Context, prompt string, style upstream.Style) (upstream.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("chatgpt session closed")
	}
	if s.turns >= s.t.opts.MaxTurns {
		s.mu.Unlock()
		return &limitStream{payload: &upstream.Payload{
			Status:     upstream.StatusSuccess,
			Fragments:  []upstream.Fragment{{Author: upstream.AuthorBot, Text: limiterText, Limiter: true}},
			Throttling: &upstream.Throttling{Current: s.t.opts.MaxTurns, Max: s.t.opts.MaxTurns},
		}}, nil
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	messages := s.t.counter.fit(s.t.opts.System, s.history, user, s.t.opts.TokenBudget)
	s.mu.Unlock()

	st, err := s.t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       s.t.opts.Model,
		Messages:    messages,
		Temperature: temperature(style),
		Stream:      true,
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, upstream.ErrThrottled
		}
		return nil, errors.Wrap(err, "chatgpt: start completion")
	}
	return &Stream{s: s, st: st, user: user}, nil
}

// commit appends a finished exchange and returns the new turn count.
func (s *Session) commit(user openai.ChatCompletionMessage, answer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	s.turns++
	return s.turns
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

// Stream adapts a completion stream to cumulative snapshots.
type Stream struct {
	s    *Session
	st   *openai.ChatCompletionStream
	user openai.ChatCompletionMessage
	text strings.Builder
	done bool
}

func (st *Stream) Recv() (upstream.Snapshot, error) {
	for {
		if st.done {
			return upstream.Snapshot{}, io.EOF
		}
		resp, err := st.st.Recv()
		if errors.Is(err, io.EOF) {
			st.done = true
			return upstream.Snapshot{Final: true, Payload: st.finish()}, nil
		}
		if err != nil {
			st.done = true
			if isRateLimited(err) {
				return upstream.Snapshot{Final: true, Payload: &upstream.Payload{
					Status: upstream.StatusThrottled,
					Error:  err.Error(),
				}}, nil
			}
			return upstream.Snapshot{}, errors.Wrap(err, "chatgpt: stream")
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		st.text.WriteString(resp.Choices[0].Delta.Content)
		return upstream.Snapshot{Partial: st.text.String()}, nil
	}
}

func (st *Stream) finish() *upstream.Payload {
	answer := st.text.String()
	if strings.TrimSpace(answer) == "" {
		return &upstream.Payload{Status: upstream.StatusError, Error: "empty completion"}
	}
	turns := st.s.commit(st.user, answer)
	log.Debug().Str("component", "chatgpt").Str("session_id", st.s.id).Int("turns", turns).Msg("exchange committed")
	return &upstream.Payload{
		Status: upstream.StatusSuccess,
		Fragments: []upstream.Fragment{
			{Author: upstream.AuthorUser, Text: st.user.Content},
			{Author: upstream.AuthorBot, Text: answer},
		},
		Throttling: &upstream.Throttling{Current: turns, Max: st.s.t.opts.MaxTurns},
		Expiry:     st.s.t.opts.Now().Add(st.s.t.opts.IdleTTL),
	}
}

func (st *Stream) Close() error {
	return st.st.Close()
}

// limitStream yields a single final payload.
type limitStream struct {
	payload *upstream.Payload
	sent    bool
}

func (l *limitStream) Recv() (upstream.Snapshot, error) {
	if l.sent {
		return upstream.Snapshot{}, io.EOF
	}
	l.sent = true
	return upstream.Snapshot{Final: true, Payload: l.payload}, nil
}

func (l *limitStream) Close() error { return nil }
