// Package notify delivers user-facing notifications raised by the scheduler.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"rsched/internal/config"
	"rsched/internal/sched"
)

// ErrRateLimited is returned when a notification is dropped by Limited.
var ErrRateLimited = errors.New("notification rate limited")

const commandTimeout = 30 * time.Second

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger sched.Logger
}

var _ sched.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger sched.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, body string) error {
	n.logger.Warn("notification", "title", title, "body", body)
	return nil
}

// CommandNotifier runs an external program with the title and body appended
// to its argv, e.g. notify-send. The program runs in the background so Notify
// never blocks the caller.
type CommandNotifier struct {
	argv   []string
	logger sched.Logger
	start  func(cmd *exec.Cmd) error
}

var _ sched.Notifier = (*CommandNotifier)(nil)

func NewCommandNotifier(argv []string, logger sched.Logger) (*CommandNotifier, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("notify command is empty")
	}
	return &CommandNotifier{argv: argv, logger: logger, start: (*exec.Cmd).Start}, nil
}

func (n *CommandNotifier) Notify(title, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	args := append(append([]string{}, n.argv[1:]...), title, body)
	cmd := exec.CommandContext(ctx, n.argv[0], args...)
	if err := n.start(cmd); err != nil {
		cancel()
		return fmt.Errorf("starting %s: %w", n.argv[0], err)
	}
	go func() {
		defer cancel()
		if err := cmd.Wait(); err != nil {
			n.logger.Warn("notify command failed", "command", n.argv[0], "error", err)
		}
	}()
	return nil
}

// Limited drops notifications that exceed a token-bucket rate.
type Limited struct {
	next    sched.Notifier
	limiter *rate.Limiter
}

var _ sched.Notifier = (*Limited)(nil)

// NewLimited allows perSec notifications per second with the given burst.
func NewLimited(next sched.Notifier, perSec float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (l *Limited) Notify(title, body string) error {
	if !l.limiter.Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, title)
	}
	return l.next.Notify(title, body)
}

// NewNotifierFromConfig creates the notifier described by cfg, wrapped in a
// rate limiter when a positive rate is configured.
func NewNotifierFromConfig(cfg config.NotifyConfig, logger sched.Logger) (sched.Notifier, error) {
	var n sched.Notifier
	switch cfg.Type {
	case "", "log":
		n = NewLogNotifier(logger)
	case "command":
		cn, err := NewCommandNotifier(cfg.Command, logger)
		if err != nil {
			return nil, err
		}
		n = cn
	default:
		return nil, fmt.Errorf("unknown notify type: %s", cfg.Type)
	}
	if cfg.RatePerSec > 0 {
		n = NewLimited(n, cfg.RatePerSec, cfg.Burst)
	}
	return n, nil
}
