// Package speech turns answers into voice notes and voice notes into prompts.
package speech

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Synthesizer interface {
	// Synthesize returns an OGG/Opus voice note.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

type Transcriber interface {
	// Transcribe returns the recognized text. ok is false when the backend
	// could not produce a transcript, without that being an error.
	Transcribe(ctx context.Context, audio []byte) (text string, ok bool, err error)
}

// Voice describes one selectable synthesis voice.
type Voice struct {
	ShortName string
	Locale    string
	Gender    string
}

// Language is the leading part of the locale, "en" for "en-US".
func (v Voice) Language() string {
	lang, _, _ := strings.Cut(v.Locale, "-")
	return lang
}

type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Catalog indexes voices by language and gender. The list is fetched once;
// concurrent first callers share the fetch.
type Catalog struct {
	lister VoiceLister

	sf     singleflight.Group
	mu     sync.RWMutex
	byLang map[string]map[string][]string
}

func NewCatalog(lister VoiceLister) *Catalog {
	return &Catalog{lister: lister}
}

func (c *Catalog) index(ctx context.Context) (map[string]map[string][]string, error) {
	c.mu.RLock()
	idx := c.byLang
	c.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}
	v, err, _ := c.sf.Do("voices", func() (any, error) {
		c.mu.RLock()
		cached := c.byLang
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		voices, err := c.lister.ListVoices(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list voices")
		}
		idx := map[string]map[string][]string{}
		for _, v := range voices {
			lang := v.Language()
			if idx[lang] == nil {
				idx[lang] = map[string][]string{}
			}
			idx[lang][v.Gender] = append(idx[lang][v.Gender], v.ShortName)
		}
		for _, genders := range idx {
			for _, names := range genders {
				sort.Strings(names)
			}
		}
		c.mu.Lock()
		c.byLang = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]map[string][]string), nil
}

// Languages returns the languages with at least one voice, sorted.
func (c *Catalog) Languages(ctx context.Context) ([]string, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	return sortedKeys(idx), nil
}

func (c *Catalog) Genders(ctx context.Context, lang string) ([]string, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	return sortedKeys(idx[lang]), nil
}

func (c *Catalog) Voices(ctx context.Context, lang, gender string) ([]string, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	return idx[lang][gender], nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Transcribers maps ASR backend names to implementations.
type Transcribers map[string]Transcriber

// Transcribe runs the named backend. An unknown backend reports ok=false.
func (t Transcribers) Transcribe(ctx context.Context, backend string, audio []byte) (string, bool, error) {
	tr, found := t[backend]
	if !found || tr == nil {
		return "", false, nil
	}
	return tr.Transcribe(ctx, audio)
}
