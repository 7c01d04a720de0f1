package conversation

import "github.com/pkg/errors"

var (
	// ErrBackendUnavailable wraps failures to open an upstream session.
	ErrBackendUnavailable = errors.New("chat backend unavailable")
	// ErrNotFound is returned for conversation ids unknown to a chat.
	ErrNotFound = errors.New("conversation not found")
	// ErrConversationGone is returned by Await when the conversation was
	// removed while the turn was queued.
	ErrConversationGone = errors.New("conversation gone")
)
