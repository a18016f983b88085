//go:build !unix

package lifecycle

import (
	"context"

	"go.uber.org/zap"
)

// WatchSignals is a no-op where SIGUSR1/SIGUSR2 do not exist; the agent stays in its initial state.
func WatchSignals(_ context.Context, _ *Hub, _ func(), logger *zap.Logger) {
	if logger != nil {
		logger.Debug("lifecycle signals unsupported on this platform")
	}
}
