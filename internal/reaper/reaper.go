package reaper

import (
	"context"
	"strconv"
	"time"

	"github.com/weiawesome/ephemeral-chat/internal/audit"
	"github.com/weiawesome/ephemeral-chat/internal/config"
	pkglog "github.com/weiawesome/ephemeral-chat/pkg/log"
)

// Expirer deletes rooms past their inactivity window.
type Expirer interface {
	DeleteExpiredRooms(ctx context.Context) (int, error)
}

// Reaper periodically removes expired rooms and their messages.
// Reads never depend on it: expired rooms are already not-found.
type Reaper struct {
	store  Expirer
	cfg    config.ReaperConfig
	quit   chan struct{}
	doneCh chan struct{}
}

// New creates a new Reaper.
func New(store Expirer, cfg config.ReaperConfig) *Reaper {
	return &Reaper{
		store:  store,
		cfg:    cfg,
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the reaper in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the reaper to stop and returns immediately.
// Call Done() to wait for it to exit.
func (r *Reaper) Stop() {
	close(r.quit)
}

// Done returns a channel that is closed when the reaper has fully stopped.
func (r *Reaper) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns the number of rooms removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	l := pkglog.L()

	n, err := r.store.DeleteExpiredRooms(ctx)
	if err != nil {
		l.Error().Err(err).Msg("reaper: failed to delete expired rooms")
		return 0
	}
	if n > 0 {
		audit.LogWithDetail(ctx, audit.ActionExpireRooms, "", strconv.Itoa(n), "expired rooms deleted")
	}
	l.Debug().Int("count", n).Msg("reaper: sweep complete")
	return n
}
