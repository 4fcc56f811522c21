package mailer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// LimitedSender throttles sends so a burst of finished jobs does not flood
// the relay.
type LimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewLimitedSender allows perMinute sends per minute. Zero or negative
// disables the limit.
func NewLimitedSender(next Sender, perMinute int) *LimitedSender {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &LimitedSender{next: next, limiter: rate.NewLimiter(limit, 1)}
}

// Send waits for a token, then delegates.
func (l *LimitedSender) Send(ctx context.Context, msg Message) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail rate limit: %w", err)
	}
	return l.next.Send(ctx, msg)
}
