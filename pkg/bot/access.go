package bot

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"
)

// Registrar records which chats may use the bot.
type Registrar interface {
	Exists(ctx context.Context, chatID int64) (bool, error)
	Add(ctx context.Context, chatID int64) error
}

// Access decides who may use the bot. Whitelisted chats are registered on
// first contact; other chats register by sending the unlock password.
type Access struct {
	Allowed  []int64
	Admins   []int64
	Password string
	Users    Registrar
}

func (a *Access) whitelisted(chatID int64) bool {
	return slices.Contains(a.Allowed, chatID) || slices.Contains(a.Admins, chatID)
}

func (a *Access) IsAdmin(chatID int64) bool {
	return a != nil && slices.Contains(a.Admins, chatID)
}

// Authorized reports whether chatID is registered, registering whitelisted
// chats on the way.
func (a *Access) Authorized(ctx context.Context, chatID int64) bool {
	if a == nil || a.Users == nil {
		return false
	}
	if a.whitelisted(chatID) {
		if err := a.Users.Add(ctx, chatID); err != nil {
			log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chatID).Msg("register whitelisted chat")
		}
		return true
	}
	ok, err := a.Users.Exists(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("component", "bot").Int64("chat_id", chatID).Msg("lookup chat")
		return false
	}
	return ok
}

// Unlock registers chatID when password matches. It reports false when the
// chat was already registered or the password is wrong.
func (a *Access) Unlock(ctx context.Context, chatID int64, password string) (bool, error) {
	if a == nil || a.Users == nil || a.Password == "" || password != a.Password {
		return false, nil
	}
	exists, err := a.Users.Exists(ctx, chatID)
	if err != nil || exists {
		return false, err
	}
	if err := a.Users.Add(ctx, chatID); err != nil {
		return false, err
	}
	log.Info().Str("component", "bot").Int64("chat_id", chatID).Msg("chat unlocked")
	return true, nil
}
