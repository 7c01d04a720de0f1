package telegram

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Poller long-polls getUpdates and hands every update to a callback in
// order.
type Poller struct {
	client  *Client
	timeout time.Duration
	backoff time.Duration
	offset  int64
}

func NewPoller(client *Client, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{client: client, timeout: timeout, backoff: 2 * time.Second}
}

// Offset returns the next update id the poller will ask for.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Run polls until ctx is done. A handler error is logged and does not stop
// polling.
func (p *Poller) Run(ctx context.Context, handle func(ctx context.Context, u Update) error) error {
	log.Info().Str("component", "telegram").Dur("timeout", p.timeout).Msg("polling started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		updates, next, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isPollTimeoutError(err) {
				continue
			}
			wait := p.backoff
			var re *RequestError
			if errors.As(err, &re) && re.RetryAfter > 0 {
				wait = re.RetryAfter
			}
			log.Warn().Err(err).Str("component", "telegram").Dur("retry_in", wait).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		p.offset = next
		for _, u := range updates {
			if err := handle(ctx, u); err != nil {
				log.Warn().Err(err).Str("component", "telegram").Int64("update_id", u.UpdateID).Msg("update handler failed")
			}
		}
	}
}

func isPollTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}
