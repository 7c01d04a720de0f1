package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often Await rechecks the head of the queue.
const DefaultPollInterval = 5 * time.Second

// Token identifies one queued turn.
type Token string

// Serializer admits the turns of a conversation one at a time, in the order
// they began. Turns of different conversations never wait on each other.
type Serializer struct {
	store *Store
	poll  time.Duration
}

func NewSerializer(store *Store, poll time.Duration) *Serializer {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Serializer{store: store, poll: poll}
}

// Begin appends a new turn to the conversation's queue.
func (s *Serializer) Begin(conv *Conversation) Token {
	tok := Token(uuid.NewString()[:8])
	s.store.mu.Lock()
	if !conv.removed {
		conv.turns = append(conv.turns, tok)
	}
	s.store.mu.Unlock()
	return tok
}

// Await blocks until tok is at the head of the queue. It fails with
// ErrConversationGone when the conversation is removed or the token is no
// longer queued, and with ctx.Err() when ctx is done.
func (s *Serializer) Await(ctx context.Context, conv *Conversation, tok Token) error {
	for {
		s.store.mu.Lock()
		gone := conv.removed
		pos := indexOf(conv.turns, tok)
		s.store.mu.Unlock()

		switch {
		case gone, pos < 0:
			return ErrConversationGone
		case pos == 0:
			return nil
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// End removes tok from the queue. Ending a token twice is a no-op.
func (s *Serializer) End(conv *Conversation, tok Token) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if i := indexOf(conv.turns, tok); i >= 0 {
		conv.turns = append(conv.turns[:i], conv.turns[i+1:]...)
	}
}

// Queued returns the number of turns waiting on or holding conv.
func (s *Serializer) Queued(conv *Conversation) int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return len(conv.turns)
}

func indexOf(turns []Token, tok Token) int {
	for i, t := range turns {
		if t == tok {
			return i
		}
	}
	return -1
}
