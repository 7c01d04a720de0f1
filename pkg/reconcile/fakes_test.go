package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/schedule"
	"github.com/go-go-golems/relaybot/pkg/upstream/upstreamtest"
)

type call struct {
	Op        string
	MessageID int
	Text      string
	KB        Keyboard
	Name      string
	Data      []byte
	URLs      []string
}

type fakeMessenger struct {
	mu      sync.Mutex
	calls   []call
	nextID  int
	editErr error
}

func (m *fakeMessenger) record(c call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *fakeMessenger) Send(ctx context.Context, chat ChatRef, html string, kb Keyboard) (int, error) {
	m.mu.Lock()
	m.nextID++
	id := 100 + m.nextID
	m.calls = append(m.calls, call{Op: "send", MessageID: id, Text: html, KB: kb})
	m.mu.Unlock()
	return id, nil
}

func (m *fakeMessenger) Edit(ctx context.Context, chat ChatRef, messageID int, html string, kb Keyboard) error {
	m.record(call{Op: "edit", MessageID: messageID, Text: html, KB: kb})
	return m.editErr
}

func (m *fakeMessenger) Delete(ctx context.Context, chat ChatRef, messageID int) error {
	m.record(call{Op: "delete", MessageID: messageID})
	return nil
}

func (m *fakeMessenger) SendDocument(ctx context.Context, chat ChatRef, name string, data []byte, caption string) error {
	m.record(call{Op: "document", Name: name, Data: data, Text: caption})
	return nil
}

func (m *fakeMessenger) SendMediaGroup(ctx context.Context, chat ChatRef, urls []string, caption string) error {
	m.record(call{Op: "media", URLs: urls, Text: caption})
	return nil
}

func (m *fakeMessenger) SendVoice(ctx context.Context, chat ChatRef, name string, audio []byte) error {
	m.record(call{Op: "voice", Name: name, Data: audio})
	return nil
}

func (m *fakeMessenger) SendChatAction(ctx context.Context, chat ChatRef, action string) error {
	m.record(call{Op: "action", Text: action})
	return nil
}

func (m *fakeMessenger) ops(op string) []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *fakeMessenger) sequence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Op)
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	repeating []string
	active    map[string]bool
	once      map[string]schedule.Action
	fireAt    map[string]time.Time
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{active: map[string]bool{}, once: map[string]schedule.Action{}, fireAt: map[string]time.Time{}}
}

func (s *fakeScheduler) Repeating(key string, interval, first time.Duration, action schedule.Action) {
	s.mu.Lock()
	s.repeating = append(s.repeating, key)
	s.active[key] = true
	s.mu.Unlock()
}

func (s *fakeScheduler) Once(key string, fireAt time.Time, action schedule.Action) {
	s.mu.Lock()
	s.once[key] = action
	s.fireAt[key] = fireAt
	s.mu.Unlock()
}

func (s *fakeScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, key)
	_, ok := s.once[key]
	ok = ok || s.active[key]
	delete(s.once, key)
	delete(s.active, key)
	return ok
}

// armed reports whether a timer or repeating job is scheduled under key.
func (s *fakeScheduler) armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.once[key]
	return ok || s.active[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSynth struct {
	texts []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	f.texts = append(f.texts, text)
	return []byte("OggS" + voice), nil
}

// recordingStore logs the store calls a turn makes.
type recordingStore struct {
	*conversation.Store
	mu    sync.Mutex
	calls []string
}

func (r *recordingStore) log(op string) {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	r.mu.Unlock()
}

func (r *recordingStore) GetOrCreate(ctx context.Context, chatID int64) (*conversation.Conversation, error) {
	r.log("get_or_create")
	return r.Store.GetOrCreate(ctx, chatID)
}

func (r *recordingStore) Finish(chatID int64, convID string) error {
	r.log("finish")
	return r.Store.Finish(chatID, convID)
}

type harness struct {
	r         *Reconciler
	messenger *fakeMessenger
	scheduler *fakeScheduler
	store     *recordingStore
	turns     *conversation.Serializer
	factory   *upstreamtest.Factory
	clock     *fakeClock
	synth     *fakeSynth
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		messenger: &fakeMessenger{},
		scheduler: newFakeScheduler(),
		factory:   &upstreamtest.Factory{},
		clock:     &fakeClock{now: time.Unix(1_700_000_000, 0)},
		synth:     &fakeSynth{},
	}
	h.store = &recordingStore{Store: conversation.NewStore(h.factory, conversation.Options{})}
	h.turns = conversation.NewSerializer(h.store.Store, time.Millisecond)
	h.r = New(Options{
		Messenger:     h.messenger,
		Conversations: h.store,
		Turns:         h.turns,
		Scheduler:     h.scheduler,
		Synthesizer:   h.synth,
		Now:           h.clock.Now,
	})
	return h
}

// script queues a stream for the next ask on the chat's current conversation.
func (h *harness) script(t *testing.T, chatID int64, steps ...upstreamtest.Step) *upstreamtest.Stream {
	t.Helper()
	conv, err := h.store.Store.GetOrCreate(context.Background(), chatID)
	require.NoError(t, err)
	st := upstreamtest.NewStream(steps...)
	conv.Session().(*upstreamtest.Session).Queue(st)
	return st
}

func (h *harness) run(t *testing.T, prompt string, settings Settings) Result {
	t.Helper()
	res, _ := h.r.Run(context.Background(), Request{
		Chat:     ChatRef{ID: 1, ReplyTo: 9},
		Prompt:   prompt,
		Settings: settings,
	})
	return res
}

func buttonData(kb Keyboard) []string {
	var out []string
	for _, row := range kb {
		for _, b := range row {
			out = append(out, b.Data)
		}
	}
	return out
}

func containsAny(calls []call, s string) bool {
	for _, c := range calls {
		if strings.Contains(c.Text, s) {
			return true
		}
	}
	return false
}
