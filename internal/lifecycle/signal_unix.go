//go:build unix

package lifecycle

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// WatchSignals drives hub from process signals until ctx ends: SIGUSR1 moves the agent to the background
// and SIGUSR2 brings it back to the foreground. A SIGUSR2 received while already in the foreground is user
// activity and calls onActivity, which may be nil.
func WatchSignals(ctx context.Context, hub *Hub, onActivity func(), logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGUSR1, unix.SIGUSR2)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				state := stateForSignal(sig)
				if state == "" {
					continue
				}
				if state == Active && hub.Current() == Active {
					if onActivity != nil {
						onActivity()
					}
					continue
				}
				logger.Info("lifecycle change", zap.String("signal", sig.String()), zap.String("state", string(state)))
				hub.Set(state)
			}
		}
	}()
}

func stateForSignal(sig os.Signal) State {
	switch sig {
	case unix.SIGUSR1:
		return Background
	case unix.SIGUSR2:
		return Active
	}
	return ""
}
