package upstream

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps backend names to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: map[string]Transport{}}
}

// Register adds t under name, replacing any previous entry.
func (r *Registry) Register(name string, t Transport) {
	if r == nil || t == nil || name == "" {
		return
	}
	r.mu.Lock()
	r.transports[name] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Transport, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for name := range r.transports {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BackendFunc resolves the backend name a chat is configured to use.
type BackendFunc func(ctx context.Context, chatID int64) string

// CredentialFunc returns the credential to open a session with for the chat.
type CredentialFunc func(chatID int64) string

// Selector opens sessions for a chat on the backend its settings select.
type Selector struct {
	Registry   *Registry
	Backend    BackendFunc
	Credential CredentialFunc
	// Fallback is used when Backend returns a name that is not registered.
	Fallback string
}

func (s *Selector) Open(ctx context.Context, chatID int64) (Session, error) {
	if s == nil || s.Registry == nil {
		return nil, errors.New("no upstream registry")
	}
	name := s.Fallback
	if s.Backend != nil {
		if n := s.Backend(ctx, chatID); n != "" {
			name = n
		}
	}
	t, ok := s.Registry.Get(name)
	if !ok {
		t, ok = s.Registry.Get(s.Fallback)
		if !ok {
			return nil, errors.Errorf("unknown chat backend %q", name)
		}
	}
	cred := ""
	if s.Credential != nil {
		cred = s.Credential(chatID)
	}
	sess, err := t.Open(ctx, cred)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s session", t.Name())
	}
	return sess, nil
}

func (s *Selector) Resume(ctx context.Context, state ResumeState) (Session, error) {
	if s == nil || s.Registry == nil {
		return nil, errors.New("no upstream registry")
	}
	t, ok := s.Registry.Get(state.Backend)
	if !ok {
		return nil, errors.Errorf("unknown chat backend %q", state.Backend)
	}
	sess, err := t.Resume(ctx, state)
	if err != nil {
		return nil, errors.Wrapf(err, "resume %s session %s", state.Backend, state.SessionID)
	}
	return sess, nil
}
