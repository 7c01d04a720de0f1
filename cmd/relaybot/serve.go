package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/relaybot/pkg/bot"
	"github.com/go-go-golems/relaybot/pkg/bus"
	"github.com/go-go-golems/relaybot/pkg/config"
	"github.com/go-go-golems/relaybot/pkg/conversation"
	"github.com/go-go-golems/relaybot/pkg/history"
	"github.com/go-go-golems/relaybot/pkg/metrics"
	"github.com/go-go-golems/relaybot/pkg/reconcile"
	"github.com/go-go-golems/relaybot/pkg/schedule"
	"github.com/go-go-golems/relaybot/pkg/settings"
	"github.com/go-go-golems/relaybot/pkg/telegram"
	"github.com/go-go-golems/relaybot/pkg/upstream"
)

const drainTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll Telegram and answer chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.load(cmd)
			if err != nil {
				return err
			}
			if err := s.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}
}

func openSettings(s *config.Settings) (*settings.Store, error) {
	if err := os.MkdirAll(s.Storage.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	dsn, err := settings.DSNForFile(s.Storage.Database)
	if err != nil {
		return nil, err
	}
	return settings.Open(dsn)
}

func openHistory(s *config.Settings) (history.Store, func(), error) {
	if !s.History.Enabled {
		return nil, func() {}, nil
	}
	if s.History.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: s.History.Addr})
		return history.NewRedisStore(client, s.History.Key), func() { _ = client.Close() }, nil
	}
	return history.NewFileStore(s.History.Path), func() {}, nil
}

func serve(ctx context.Context, s *config.Settings) error {
	users, err := openSettings(s)
	if err != nil {
		return err
	}
	defer func() { _ = users.Close() }()

	accounts, err := loadAccounts(s)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(s, accounts)
	if err != nil {
		return err
	}
	voice, err := buildSpeech(s)
	if err != nil {
		return err
	}
	images, err := buildImages(s, accounts)
	if err != nil {
		return err
	}

	m := metrics.New()
	sched := schedule.New()
	defer sched.Stop()

	selector := &upstream.Selector{
		Registry: registry,
		Backend: func(ctx context.Context, chatID int64) string {
			p, err := users.Get(ctx, chatID)
			if err != nil {
				return ""
			}
			return p.ChatBackend
		},
		Fallback: settings.DefaultChatBackend,
	}
	var convs *conversation.Store
	convs = conversation.NewStore(selector, conversation.Options{
		OnRemove: func(c *conversation.Conversation) {
			sched.Cancel(reconcile.ExpiryKey(c.ChatID, c.ID))
			m.SetOpenConversations(convs.Len())
		},
	})

	client := telegram.NewClient(&http.Client{Timeout: s.Telegram.PollTimeout + 30*time.Second}, s.Telegram.BaseURL, s.Telegram.Token)
	me, err := client.GetMe(ctx)
	if err != nil {
		return errors.Wrap(err, "telegram getMe")
	}
	log.Info().Str("component", "relaybot").Str("bot", me.Username).Strs("backends", registry.Names()).Msg("connected to telegram")

	rec := reconcile.New(reconcile.Options{
		Messenger:     bot.NewMessenger(client),
		Conversations: convs,
		Turns:         conversation.NewSerializer(convs, 0),
		Scheduler:     sched,
		Synthesizer:   voice.synth,
		Observer:      m,
		EditDelay:     s.Reconcile.EditDelay,
		Ceiling:       s.Reconcile.Ceiling,
	})
	b := bot.New(bot.Options{
		API: client,
		Access: &bot.Access{
			Allowed:  s.Chats.Allowed,
			Admins:   s.Chats.Admins,
			Password: s.Chats.Password,
			Users:    users,
		},
		Preferences:   users,
		Conversations: convs,
		Reconciler:    rec,
		Scheduler:     sched,
		Synthesizer:   voice.synth,
		Voices:        voice.voices,
		Transcribers:  voice.transcribers,
		Images:        images,
		Accounts:      accounts,
		Metrics:       m,
	})
	if err := client.SetMyCommands(ctx, bot.Commands()); err != nil {
		log.Warn().Err(err).Str("component", "relaybot").Msg("setMyCommands failed")
	}

	hist, closeHist, err := openHistory(s)
	if err != nil {
		return err
	}
	defer closeHist()
	restore(ctx, hist, convs, rec)
	m.SetOpenConversations(convs.Len())

	updates, err := bus.New(ctx, s.Bus)
	if err != nil {
		return errors.Wrap(err, "update bus")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return updates.Consume(gctx, b.Handle)
	})
	g.Go(func() error {
		select {
		case <-updates.Ready():
		case <-gctx.Done():
			return nil
		}
		return telegram.NewPoller(client, s.Telegram.PollTimeout).Run(gctx, updates.Publish)
	})
	if s.Metrics.Addr != "" {
		g.Go(func() error {
			return m.Serve(gctx, s.Metrics.Addr)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Str("component", "relaybot").Msg("shutting down")
	if cerr := updates.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("component", "relaybot").Msg("close bus")
	}
	persist(hist, convs)
	return err
}

// restore reopens the conversations saved by the previous run and re-arms
// their expiry timers.
func restore(ctx context.Context, hist history.Store, convs *conversation.Store, rec *reconcile.Reconciler) {
	if hist == nil {
		return
	}
	records, err := hist.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "relaybot").Msg("load history, starting empty")
		return
	}
	n := convs.Restore(ctx, records)
	seen := map[int64]bool{}
	for _, record := range records {
		if seen[record.ChatID] {
			continue
		}
		seen[record.ChatID] = true
		for _, conv := range convs.List(record.ChatID) {
			rec.ArmExpiry(conv.ChatID, conv.ID, conv.Expiry())
		}
	}
	log.Info().Str("component", "relaybot").Int("restored", n).Int("saved", len(records)).Msg("history restored")
}

func persist(hist history.Store, convs *conversation.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	records := convs.Drain(ctx)
	if hist == nil {
		return
	}
	if err := hist.Save(ctx, records); err != nil {
		log.Error().Err(err).Str("component", "relaybot").Msg("save history")
		return
	}
	log.Info().Str("component", "relaybot").Int("conversations", len(records)).Msg("history saved")
}
