package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/natsclient"
	"github.com/c360/semrelay/pkg/retry"
)

// Connector is the part of natsclient.Client used to reach the bus.
type Connector interface {
	Connect(ctx context.Context) error
	URL() string
}

var _ Connector = (*natsclient.Client)(nil)

// Connect reaches the bus with bounded retry. Invalid and fatal failures,
// such as refused credentials, end the loop early. Any failure is fatal and
// matches errors.ErrBusConnectFailed.
func Connect(ctx context.Context, client Connector, cfg retry.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("bus connect failed, retrying",
			"url", client.URL(),
			"attempt", attempt,
			"delay", delay,
			"class", errors.Classify(err).String(),
			"error", err)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	err := retry.Do(ctx, cfg, func() error {
		err := client.Connect(ctx)
		if permanent(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrBusConnectFailed, err),
			"Bus", "Connect", "connect to "+client.URL())
	}
	return nil
}

// permanent reports connect failures another attempt cannot fix.
func permanent(err error) bool {
	return stderrors.Is(err, natsclient.ErrClientClosed) ||
		errors.IsInvalid(err) ||
		errors.IsFatal(err)
}
