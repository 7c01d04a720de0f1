package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Cookie is one entry of a browser cookie export.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
}

// Accounts holds cookie exports keyed by file stem and remembers which one is
// in use. The current selection is persisted to currentPath when set.
type Accounts struct {
	mu          sync.RWMutex
	cookies     map[string][]Cookie
	current     string
	currentPath string
}

// LoadAccounts reads every cookie export in paths. The current account is
// read from currentPath and falls back to the first loaded stem.
func LoadAccounts(paths []string, currentPath string) (*Accounts, error) {
	a := &Accounts{cookies: map[string][]Cookie{}, currentPath: currentPath}
	var order []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			log.Warn().Err(err).Str("component", "hub").Str("path", p).Msg("cookie file unreadable, skipped")
			continue
		}
		var cs []Cookie
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, errors.Wrapf(err, "parse cookie file %s", p)
		}
		stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		a.cookies[stem] = cs
		order = append(order, stem)
	}
	if currentPath != "" {
		if b, err := os.ReadFile(currentPath); err == nil {
			if name := strings.TrimSpace(string(b)); a.has(name) {
				a.current = name
			}
		}
	}
	if a.current == "" && len(order) > 0 {
		a.current = order[0]
		a.persist()
	}
	return a, nil
}

func (a *Accounts) has(name string) bool {
	_, ok := a.cookies[name]
	return ok
}

// Names returns the loaded account names, sorted.
func (a *Accounts) Names() []string {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.cookies))
	for name := range a.cookies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *Accounts) Current() string {
	if a == nil {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Use switches the current account.
func (a *Accounts) Use(name string) error {
	if a == nil {
		return errors.New("no accounts loaded")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.has(name) {
		return errors.Errorf("unknown account %q", name)
	}
	a.current = name
	a.persist()
	return nil
}

func (a *Accounts) persist() {
	if a.currentPath == "" {
		return
	}
	if err := os.WriteFile(a.currentPath, []byte(a.current+"\n"), 0o600); err != nil {
		log.Warn().Err(err).Str("component", "hub").Msg("could not persist current account")
	}
}

// Header renders the Cookie header for an account. An empty name selects the
// current account. It returns "" when nothing is loaded.
func (a *Accounts) Header(name string) string {
	if a == nil {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if name == "" {
		name = a.current
	}
	cs := a.cookies[name]
	if len(cs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
