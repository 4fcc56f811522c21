package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

// DefaultAttempts is the default number of send attempts.
const DefaultAttempts = 3

// DefaultBaseDelay is the initial delay for exponential backoff.
const DefaultBaseDelay = 2 * time.Second

// RetrySender wraps a Sender and retries connection failures with
// exponential backoff. A failure after the relay was reached is returned as
// is, so an accepted message is never sent twice.
type RetrySender struct {
	next      Sender
	attempts  int
	baseDelay time.Duration
	logger    logging.Logger
}

// RetryOption configures the RetrySender.
type RetryOption func(*RetrySender)

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) RetryOption {
	return func(s *RetrySender) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithBaseDelay sets the initial delay for exponential backoff.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(s *RetrySender) {
		s.baseDelay = d
	}
}

// WithLogger sets the logger used for retry attempts.
func WithLogger(l logging.Logger) RetryOption {
	return func(s *RetrySender) {
		s.logger = l
	}
}

// NewRetrySender creates a RetrySender around next.
func NewRetrySender(next Sender, opts ...RetryOption) *RetrySender {
	s := &RetrySender{
		next:      next,
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers msg, retrying only while the relay cannot be reached.
func (s *RetrySender) Send(ctx context.Context, msg Message) error {
	var lastErr error

	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * (1 << (attempt - 1))
			s.logger.Warn("relay unreachable, retrying",
				logging.Int("attempt", attempt+1),
				logging.Int("max_attempts", s.attempts),
				logging.Duration("delay", delay),
				logging.String("error", lastErr.Error()),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.next.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("relay unreachable after %d attempts: %w", s.attempts, lastErr)
}

// IsConnectionError reports whether err happened before a connection to the
// relay existed: dial failures and name resolution errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
