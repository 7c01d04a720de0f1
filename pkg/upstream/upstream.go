// Package upstream defines the contract between the bot and the
// conversational backends it proxies.
//
// A Transport opens Sessions. A Session answers one prompt at a time as a
// Stream of Snapshots: zero or more partial snapshots carrying the answer text
// generated so far, followed by exactly one final snapshot carrying the
// structured Payload. Recv returns io.EOF once the final snapshot has been
// delivered.
package upstream

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrThrottled is returned by AskStream when the backend refuses the request
// because a rate limit or quota was hit before any answer was produced.
var ErrThrottled = errors.New("upstream throttled")

// Status is the completion status of a final payload.
type Status int

const (
	StatusSuccess Status = iota
	StatusThrottled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusThrottled:
		return "throttled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Style selects the conversation tone.
type Style string

const (
	StyleCreative Style = "creative"
	StyleBalanced Style = "balanced"
	StylePrecise  Style = "precise"
)

// Styles lists the selectable styles in menu order.
var Styles = []Style{StyleCreative, StyleBalanced, StylePrecise}

// Author values used by Fragment.Author.
const (
	AuthorBot  = "bot"
	AuthorUser = "user"
)

// Fragment is one authored message inside a final payload.
type Fragment struct {
	Author string
	Text   string
	// CardText is the alternate rendering some backends attach to a reply.
	// Embedded image markers live here.
	CardText string
	// Internal marks backend bookkeeping messages (search queries, progress
	// notes) that are never shown.
	Internal bool
	// Limiter marks the synthetic reply a backend emits when the conversation
	// hit its turn limit.
	Limiter bool
	// Attributions are source URLs, indexed by the footnote number the text
	// uses minus one.
	Attributions []string
	Suggestions  []string
}

// Throttling carries the per-conversation usage counters.
type Throttling struct {
	Current int
	Max     int
}

// Payload is the structured content of a final snapshot.
type Payload struct {
	Status     Status
	Error      string
	Fragments  []Fragment
	Throttling *Throttling
	// Expiry is when the backend forgets the conversation. Zero when unknown.
	Expiry time.Time
}

// BotFragments returns the visible fragments authored by the bot, in order.
func (p *Payload) BotFragments() []Fragment {
	if p == nil {
		return nil
	}
	var out []Fragment
	for _, f := range p.Fragments {
		if f.Author != AuthorBot || f.Internal {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Exhausted reports whether the backend closed the conversation without
// answering: no bot fragment before the first turn limiter notice.
func (p *Payload) Exhausted() bool {
	if p == nil || p.Status != StatusSuccess {
		return false
	}
	bots := p.BotFragments()
	return len(bots) == 0 || bots[0].Limiter
}

// Answer returns the bot fragments up to the first turn limiter notice.
func (p *Payload) Answer() []Fragment {
	var out []Fragment
	for _, f := range p.BotFragments() {
		if f.Limiter {
			break
		}
		out = append(out, f)
	}
	return out
}

// Snapshot is one update of an answer stream.
type Snapshot struct {
	Final   bool
	Partial string
	Payload *Payload
}

type Stream interface {
	// Recv blocks for the next snapshot. It returns io.EOF after the final
	// snapshot.
	Recv() (Snapshot, error)
	Close() error
}

// ResumeState is the minimal data a transport needs to reattach to a session
// after a restart.
type ResumeState struct {
	Backend   string            `yaml:"backend" json:"backend"`
	SessionID string            `yaml:"session_id" json:"session_id"`
	Data      map[string]string `yaml:"data,omitempty" json:"data,omitempty"`
}

type Session interface {
	ID() string
	AskStream(ctx context.Context, prompt string, style Style) (Stream, error)
	State() ResumeState
	Close() error
}

type Transport interface {
	Name() string
	// Open starts a new session. credential is transport specific and may be
	// empty.
	Open(ctx context.Context, credential string) (Session, error)
	Resume(ctx context.Context, state ResumeState) (Session, error)
}
