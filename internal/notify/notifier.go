package notify

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// LogNotifier writes notifications to the logger. It is the fallback when
// no push channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, title, body string) error {
	n.Logger.Info("notification", "title", title, "body", body)
	return nil
}

// RateLimited throttles an underlying notifier. Send blocks until a token is
// available or ctx is done.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter allowing perSecond sends with a
// burst of the same size. perSecond <= 0 disables limiting.
func NewRateLimited(next Notifier, perSecond float64) *RateLimited {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		if perSecond > 1 {
			burst = int(perSecond)
		}
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Send(ctx context.Context, title, body string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.next.Send(ctx, title, body)
}
