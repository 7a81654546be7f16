package daemon

import (
	"context"
	"time"
)

const statsInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run runs until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks logs lane and connection statistics
func (e *EventLoop) processTasks(ctx context.Context) {
	lanes, queued := e.daemon.engine.QueueStats()
	clients := len(e.daemon.gatewayServer.GetConnectedClients())

	ev := e.daemon.logger.Debug()
	if queued > 0 {
		ev = e.daemon.logger.Info()
	}
	ev.Int("lanes", lanes).
		Int("queued", queued).
		Int("clients", clients).
		Msg("Runtime stats")
}
