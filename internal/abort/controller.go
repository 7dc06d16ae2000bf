// Package abort holds the run-scoped cancellation flag.
package abort

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"clone-bench/internal/logging"
	"clone-bench/internal/status"

	"github.com/sirupsen/logrus"
)

// ErrAborted unwinds a run after cancellation was requested.
var ErrAborted = errors.New("run aborted")

// Controller is set at most once per run and never reset.
type Controller struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func NewController() *Controller {
	return &Controller{done: make(chan struct{})}
}

// Cancel requests the abort. Later calls are no-ops.
func (c *Controller) Cancel(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		logging.GetLogger().WithField("reason", reason).Warn("Abort requested")
	})
}

func (c *Controller) Aborted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once Cancel was called.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// RequestAbort marks the run in store as to be aborted. Used by processes
// other than the worker.
func RequestAbort(store status.Store) error {
	return store.Set(status.KeyAbort, "True")
}

// Watch polls the status store for an abort request until ctx ends or the
// controller fires. A stale request must be cleared before the run starts.
func (c *Controller) Watch(ctx context.Context, store status.Store, interval time.Duration) {
	logger := logging.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			v, err := store.Get(status.KeyAbort)
			if err != nil {
				if !errors.Is(err, status.ErrNotFound) {
					logger.WithError(err).Debug("Failed to read abort flag")
				}
				continue
			}
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				logger.WithFields(logrus.Fields{"key": status.KeyAbort}).Info("Abort request found in status store")
				c.Cancel("status store")
				return
			}
		}
	}
}
