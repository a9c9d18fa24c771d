package firecrest

import (
	"context"
	"time"

	"github.com/fireflow/fireflow/internal/domain"
)

// DefaultPollInterval is the wait between condition checks.
const DefaultPollInterval = time.Second

// WaitUntil polls cond every interval until it reports true. A zero timeout
// means wait forever. When the deadline passes while the condition is still
// false, a RuntimeError is returned naming what was being waited for.
func WaitUntil(ctx context.Context, interval, timeout time.Duration, what string,
	cond func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if timeout > 0 && time.Since(start) > timeout {
			return domain.Errorf(domain.KindRuntime, "timeout waiting for %s", what)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
