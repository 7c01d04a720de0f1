// Package conversation keeps the live upstream sessions of every chat and
// serializes the turns played against each of them.
//
// All state lives behind a single mutex owned by Store. Session handles are
// owned by their Conversation and closed exactly once, after the
// conversation has been unregistered.
package conversation

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

const shortIDLen = 10

// SessionFactory opens upstream sessions on behalf of a chat.
type SessionFactory interface {
	Open(ctx context.Context, chatID int64) (upstream.Session, error)
	Resume(ctx context.Context, state upstream.ResumeState) (upstream.Session, error)
}

// Exchange is one prompt and the markdown answer it produced.
type Exchange struct {
	Prompt string
	Answer string
}

// Conversation is one upstream dialogue owned by a chat.
type Conversation struct {
	ChatID int64
	ID     string

	store   *Store
	session *handle

	lastPrompt string
	lastAnswer string
	expiry     time.Time
	turns      []Token
	transcript []Exchange
	createdAt  time.Time
	removed    bool
}

// handle guards a session against being closed twice.
type handle struct {
	sess   upstream.Session
	closed bool
}

func (h *handle) close() error {
	if h.closed {
		panic("conversation: session " + h.sess.ID() + " closed twice")
	}
	h.closed = true
	return h.sess.Close()
}

type chatState struct {
	convs   map[string]*Conversation
	order   []string
	current string
}

// ResumeRecord is the metadata kept across restarts for one conversation.
type ResumeRecord struct {
	ChatID         int64                `yaml:"chat_id" json:"chat_id"`
	ConversationID string               `yaml:"conversation_id" json:"conversation_id"`
	LastPrompt     string               `yaml:"last_prompt,omitempty" json:"last_prompt,omitempty"`
	Current        bool                 `yaml:"current,omitempty" json:"current,omitempty"`
	Expiry         time.Time            `yaml:"expiry,omitempty" json:"expiry,omitempty"`
	State          upstream.ResumeState `yaml:"state" json:"state"`
}

type Options struct {
	// OnRemove runs after a conversation has been unregistered and its session
	// closed, outside the store lock.
	OnRemove func(conv *Conversation)
}

type Store struct {
	mu       sync.Mutex
	factory  SessionFactory
	chats    map[int64]*chatState
	opening  singleflight.Group
	onRemove func(conv *Conversation)
}

func NewStore(factory SessionFactory, opts Options) *Store {
	return &Store{
		factory:  factory,
		chats:    map[int64]*chatState{},
		onRemove: opts.OnRemove,
	}
}

// GetOrCreate returns the chat's current conversation, opening a session when
// there is none. Concurrent callers for one chat share a single open.
func (s *Store) GetOrCreate(ctx context.Context, chatID int64) (*Conversation, error) {
	if conv, ok := s.Current(chatID); ok {
		return conv, nil
	}
	v, err, _ := s.opening.Do(strconv.FormatInt(chatID, 10), func() (interface{}, error) {
		if conv, ok := s.Current(chatID); ok {
			return conv, nil
		}
		return s.open(ctx, chatID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conversation), nil
}

// New opens a fresh conversation and makes it current. Existing
// conversations of the chat stay open.
func (s *Store) New(ctx context.Context, chatID int64) (*Conversation, error) {
	return s.open(ctx, chatID)
}

func (s *Store) open(ctx context.Context, chatID int64) (*Conversation, error) {
	if s.factory == nil {
		return nil, errors.Wrap(ErrBackendUnavailable, "no session factory")
	}
	sess, err := s.factory.Open(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("component", "conversation").Int64("chat_id", chatID).Msg("open session failed")
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	s.mu.Lock()
	conv := s.registerLocked(chatID, sess, "")
	s.chat(chatID).current = conv.ID
	s.mu.Unlock()
	log.Info().Str("component", "conversation").Int64("chat_id", chatID).Str("conv_id", conv.ID).Msg("conversation opened")
	return conv, nil
}

func (s *Store) chat(chatID int64) *chatState {
	cs, ok := s.chats[chatID]
	if !ok {
		cs = &chatState{convs: map[string]*Conversation{}}
		s.chats[chatID] = cs
	}
	return cs
}

func (s *Store) registerLocked(chatID int64, sess upstream.Session, preferred string) *Conversation {
	cs := s.chat(chatID)
	base := preferred
	if base == "" {
		base = ShortID(sess.ID())
	}
	id := base
	for n := 2; ; n++ {
		if _, taken := cs.convs[id]; !taken {
			break
		}
		id = base + strconv.Itoa(n)
	}
	conv := &Conversation{
		ChatID:    chatID,
		ID:        id,
		store:     s,
		session:   &handle{sess: sess},
		createdAt: time.Now(),
	}
	cs.convs[id] = conv
	cs.order = append(cs.order, id)
	return conv
}

// ShortID derives the user-facing conversation id from an upstream session
// id: the third '|' separated segment when present, reduced to its first ten
// alphanumeric characters.
func ShortID(sessionID string) string {
	src := sessionID
	if parts := strings.Split(sessionID, "|"); len(parts) >= 3 {
		src = parts[2]
	}
	var b strings.Builder
	for _, r := range src {
		if b.Len() >= shortIDLen {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLen]
	}
	return b.String()
}

func (s *Store) Get(chatID int64, convID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil, false
	}
	conv, ok := cs.convs[convID]
	return conv, ok
}

func (s *Store) Current(chatID int64) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok || cs.current == "" {
		return nil, false
	}
	conv, ok := cs.convs[cs.current]
	return conv, ok
}

// List returns the chat's conversations in creation order.
func (s *Store) List(chatID int64) []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]*Conversation, 0, len(cs.order))
	for _, id := range cs.order {
		out = append(out, cs.convs[id])
	}
	return out
}

// Len returns the number of open conversations across all chats.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cs := range s.chats {
		n += len(cs.convs)
	}
	return n
}

func (s *Store) SwitchCurrent(chatID int64, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "chat %d has no conversations", chatID)
	}
	if _, ok := cs.convs[convID]; !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", convID)
	}
	cs.current = convID
	return nil
}

// Finish closes a conversation the upstream reported as exhausted. The caller
// opens the replacement.
func (s *Store) Finish(chatID int64, convID string) error {
	return s.remove(chatID, convID, "finished")
}

// Delete closes a conversation at the user's request.
func (s *Store) Delete(chatID int64, convID string) error {
	return s.remove(chatID, convID, "deleted")
}

// Expire closes a conversation whose upstream expiry passed.
func (s *Store) Expire(chatID int64, convID string) error {
	return s.remove(chatID, convID, "expired")
}

func (s *Store) remove(chatID int64, convID, reason string) error {
	s.mu.Lock()
	conv, ok := s.removeLocked(chatID, convID)
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "conversation %s", convID)
	}
	s.release(conv)
	log.Info().Str("component", "conversation").Int64("chat_id", chatID).Str("conv_id", convID).Str("reason", reason).Msg("conversation closed")
	return nil
}

func (s *Store) removeLocked(chatID int64, convID string) (*Conversation, bool) {
	cs, ok := s.chats[chatID]
	if !ok {
		return nil, false
	}
	conv, ok := cs.convs[convID]
	if !ok {
		return nil, false
	}
	delete(cs.convs, convID)
	for i, id := range cs.order {
		if id == convID {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
	if cs.current == convID {
		cs.current = ""
	}
	conv.removed = true
	conv.turns = nil
	return conv, true
}

// release closes the session of an unregistered conversation and runs the
// removal hook.
func (s *Store) release(conv *Conversation) {
	if err := conv.session.close(); err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("conv_id", conv.ID).Msg("session close failed")
	}
	if s.onRemove != nil {
		s.onRemove(conv)
	}
}

// Touch records the latest prompt played against conv.
func (s *Store) Touch(conv *Conversation, prompt string) {
	s.mu.Lock()
	conv.lastPrompt = prompt
	s.mu.Unlock()
}

func (s *Store) SetExpiry(conv *Conversation, at time.Time) {
	s.mu.Lock()
	conv.expiry = at
	s.mu.Unlock()
}

// RecordExchange appends a finished exchange to the transcript and keeps the
// answer for on-demand speech synthesis.
func (s *Store) RecordExchange(conv *Conversation, prompt, answer string) {
	s.mu.Lock()
	conv.transcript = append(conv.transcript, Exchange{Prompt: prompt, Answer: answer})
	conv.lastAnswer = answer
	s.mu.Unlock()
}

// Drain unregisters and closes every conversation. It returns what is needed
// to restore them later.
func (s *Store) Drain(ctx context.Context) []ResumeRecord {
	s.mu.Lock()
	var convs []*Conversation
	var records []ResumeRecord
	for chatID, cs := range s.chats {
		for _, id := range cs.order {
			conv := cs.convs[id]
			conv.removed = true
			conv.turns = nil
			convs = append(convs, conv)
			records = append(records, ResumeRecord{
				ChatID:         chatID,
				ConversationID: id,
				LastPrompt:     conv.lastPrompt,
				Current:        cs.current == id,
				Expiry:         conv.expiry,
				State:          conv.session.sess.State(),
			})
		}
	}
	s.chats = map[int64]*chatState{}
	s.mu.Unlock()

	for _, conv := range convs {
		if ctx.Err() != nil {
			log.Warn().Str("component", "conversation").Str("conv_id", conv.ID).Msg("drain interrupted, closing anyway")
		}
		s.release(conv)
	}
	log.Info().Str("component", "conversation").Int("count", len(convs)).Msg("conversations drained")
	return records
}

// Restore reattaches sessions from resumption records. Records whose session
// cannot be resumed are skipped. It returns the number restored.
func (s *Store) Restore(ctx context.Context, records []ResumeRecord) int {
	if s.factory == nil {
		return 0
	}
	restored := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			break
		}
		sess, err := s.factory.Resume(ctx, rec.State)
		if err != nil {
			log.Warn().Err(err).Str("component", "conversation").Int64("chat_id", rec.ChatID).Str("conv_id", rec.ConversationID).Msg("resume failed")
			continue
		}
		s.mu.Lock()
		conv := s.registerLocked(rec.ChatID, sess, rec.ConversationID)
		conv.lastPrompt = rec.LastPrompt
		conv.expiry = rec.Expiry
		if rec.Current {
			s.chat(rec.ChatID).current = conv.ID
		}
		s.mu.Unlock()
		restored++
	}
	return restored
}

// Session returns the upstream session.
func (c *Conversation) Session() upstream.Session {
	return c.session.sess
}

func (c *Conversation) LastPrompt() string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.lastPrompt
}

func (c *Conversation) LastAnswer() string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.lastAnswer
}

func (c *Conversation) Expiry() time.Time {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.expiry
}

func (c *Conversation) Transcript() []Exchange {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return append([]Exchange(nil), c.transcript...)
}

// Removed reports whether the conversation has been unregistered.
func (c *Conversation) Removed() bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.removed
}
