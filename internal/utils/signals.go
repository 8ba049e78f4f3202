package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// transferDrainGrace bounds how long GracefulShutdown waits for in-flight
// transfers to run to completion before giving up on them.
// A TFTP block round-trip is normally sub-second even at the default
// retransmission timeout, so 30s covers several retries of a stalled
// peer without holding the process open indefinitely.
const transferDrainGrace = 30 * time.Second

// GracefulShutdown blocks until SIGINT/SIGTERM/SIGQUIT, then cancels ctx
// (stopping the listen loop from accepting new requests) and calls
// shutdownFn, which is expected to close the listening socket and wait
// for any transfers already dispatched to a per-transfer Connection to
// finish — see TFTPServer.Stop, which does exactly that via its
// sync.WaitGroup over in-flight dispatch goroutines.
func GracefulShutdown(ctx context.Context, cancel context.CancelFunc, logger *Logger, shutdownFn func() error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigChan
	logger.Info("received signal %s, draining in-flight transfers before exit", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), transferDrainGrace)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		if shutdownFn != nil {
			done <- shutdownFn()
		} else {
			done <- nil
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("error while draining transfers: %v", err)
		} else {
			logger.Info("all in-flight transfers finished, exiting")
		}
	case <-shutdownCtx.Done():
		logger.Warn("transfer drain exceeded %s, forcing exit with transfers still in flight", transferDrainGrace)
	}
}
