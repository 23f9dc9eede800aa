//go:build windows

package lifecycle

import (
	"context"
	"os"
	"os/signal"
)

func notifySignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
