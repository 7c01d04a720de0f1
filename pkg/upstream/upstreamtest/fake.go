// Package upstreamtest provides scripted upstream fakes for tests.
package upstreamtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-go-golems/relaybot/pkg/upstream"
)

// Step is one scripted stream event: a snapshot, or an error returned from
// Recv instead.
type Step struct {
	Snapshot upstream.Snapshot
	Err      error
}

func Partial(text string) Step {
	return Step{Snapshot: upstream.Snapshot{Partial: text}}
}

func Final(p *upstream.Payload) Step {
	return Step{Snapshot: upstream.Snapshot{Final: true, Payload: p}}
}

func Fail(err error) Step {
	return Step{Err: err}
}

// Success builds a successful payload with one bot fragment.
func Success(text string, current, limit int) *upstream.Payload {
	return &upstream.Payload{
		Status:     upstream.StatusSuccess,
		Fragments:  []upstream.Fragment{{Author: upstream.AuthorBot, Text: text}},
		Throttling: &upstream.Throttling{Current: current, Max: limit},
	}
}

// Stream replays steps. Each Recv may run OnRecv first, which tests use to
// advance a fake clock.
type Stream struct {
	mu     sync.Mutex
	steps  []Step
	pos    int
	OnRecv func(i int)
	closed atomic.Bool
}

func NewStream(steps ...Step) *Stream {
	return &Stream{steps: steps}
}

func (s *Stream) Recv() (upstream.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return upstream.Snapshot{}, io.EOF
	}
	if s.OnRecv != nil {
		s.OnRecv(s.pos)
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Err != nil {
		return upstream.Snapshot{}, step.Err
	}
	return step.Snapshot, nil
}

func (s *Stream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Stream) Closed() bool {
	return s.closed.Load()
}

// Session hands out queued streams and counts Close calls.
type Session struct {
	id      string
	backend string

	mu      sync.Mutex
	streams []*Stream
	asked   []string
	askErr  error

	closes atomic.Int32
}

func NewSession(id string, streams ...*Stream) *Session {
	return &Session{id: id, backend: "fake", streams: streams}
}

// Queue appends streams answered by later AskStream calls.
func (s *Session) Queue(streams ...*Stream) {
	s.mu.Lock()
	s.streams = append(s.streams, streams...)
	s.mu.Unlock()
}

// FailAsk makes every following AskStream call fail with err.
func (s *Session) FailAsk(err error) {
	s.mu.Lock()
	s.askErr = err
	s.mu.Unlock()
}

func (s *Session) ID() string { return s.id }

func (s *Session) AskStream(ctx context.Context, prompt string, style upstream.Style) (upstream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, prompt)
	if s.askErr != nil {
		return nil, s.askErr
	}
	if len(s.streams) == 0 {
		return nil, errors.Errorf("session %s: no scripted stream for %q", s.id, prompt)
	}
	st := s.streams[0]
	s.streams = s.streams[1:]
	return st, nil
}

func (s *Session) State() upstream.ResumeState {
	return upstream.ResumeState{Backend: s.backend, SessionID: s.id}
}

func (s *Session) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *Session) Closes() int {
	return int(s.closes.Load())
}

func (s *Session) Asked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.asked...)
}

// Factory opens fake sessions with ids "conv|<chat>|sessNNNN" and records
// every session it produced.
type Factory struct {
	Sessions []*Session
	OpenErr  error

	// Prepare runs on every new session before it is returned.
	Prepare func(s *Session)

	mu      sync.Mutex
	n       int
	opens   int
	resumes int
}

func (f *Factory) Open(ctx context.Context, chatID int64) (upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return f.newLocked(fmt.Sprintf("conv|%d|sess%04d", chatID, f.n+1)), nil
}

func (f *Factory) Resume(ctx context.Context, state upstream.ResumeState) (upstream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return f.newLocked(state.SessionID), nil
}

func (f *Factory) newLocked(id string) *Session {
	f.n++
	s := NewSession(id)
	if f.Prepare != nil {
		f.Prepare(s)
	}
	f.Sessions = append(f.Sessions, s)
	return s
}

func (f *Factory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *Factory) Resumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes
}

// Last returns the most recently produced session.
func (f *Factory) Last() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sessions) == 0 {
		return nil
	}
	return f.Sessions[len(f.Sessions)-1]
}
