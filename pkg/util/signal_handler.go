package util

import (
	"context"
	"os"
	"os/signal"

	"github.com/golang/glog"
)

// ContextWithCancelOnSignal returns a context cancelled on the first of signals, or when the
// returned function is called. Later signals get their default behavior back, so a second
// interrupt terminates the process.
func ContextWithCancelOnSignal(
	ctx context.Context,
	signals ...os.Signal,
) (context.Context, context.CancelFunc) {

	ctx, cancel := context.WithCancel(ctx)
	caught := make(chan os.Signal, 1)
	signal.Notify(caught, signals...)

	go func() {
		defer signal.Stop(caught)
		select {
		case s := <-caught:
			glog.Infof("caught %s, cancelling", s)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
