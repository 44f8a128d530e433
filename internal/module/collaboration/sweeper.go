package collaboration

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically settles pending invitations whose deadline has
// passed. A failed sweep is logged and retried on the next tick.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper. The interval defaults to one hour.
func NewSweeper(service *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (w *Sweeper) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Sweep once at startup so a long interval does not delay settling
	// invitations that expired while the server was down.
	w.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	count, err := w.service.ExpireOldInvitations(sweepCtx)
	if err != nil {
		w.logger.Warn("invitation sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		w.logger.Info("invitation sweep settled", zap.Int("count", count))
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}
