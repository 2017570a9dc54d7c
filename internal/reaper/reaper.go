// Package reaper closes execution records that never reached a terminal
// state and returns their reserved credits.
//
// A record is abandoned when its process died between Open and Close. The
// reaper marks it failed:abandoned first and only then releases the
// reservation, so a run that finishes concurrently keeps its commit.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/observability"
)

// Records is the subset of audit.Recorder the reaper needs.
type Records interface {
	Pending(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error)
	Close(ctx context.Context, rec *domain.ExecutionRecord, o audit.Outcome) error
}

// Releaser returns a reservation's credit. Implemented by ledger.Ledger.
type Releaser interface {
	ReleaseByID(ctx context.Context, reservationID uuid.UUID) (bool, error)
}

// Reaper sweeps stale pending records on a cron schedule.
type Reaper struct {
	records  Records
	releaser Releaser
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	config   *config.ReaperConfig
	schedule cron.Schedule
	now      func() time.Time
}

// New creates a Reaper. The schedule is parsed eagerly so a bad expression
// fails at startup.
func New(records Records, releaser Releaser, metrics *observability.MetricsCollector, logger *slog.Logger, cfg *config.ReaperConfig) (*Reaper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing reaper schedule %q: %w", cfg.CronSchedule(), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		records:  records,
		releaser: releaser,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
		schedule: sched,
		now:      time.Now,
	}, nil
}

// Start runs a sweep at every scheduled time until ctx is cancelled.
// Returns a cancel function.
func (r *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.InfoContext(ctx, "reaper started",
			slog.String("schedule", r.config.CronSchedule()),
			slog.String("stale_after", r.config.StaleAfter().String()),
		)
		for {
			next := r.schedule.Next(r.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Info("reaper stopped")
				return
			case <-timer.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.ErrorContext(ctx, "reaper sweep failed", slog.Any("error", err))
				}
			}
		}
	}()

	return cancel
}

// Sweep closes one batch of stale records and reports how many it closed.
// Records closed by their own run in the meantime are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	staleAfter := r.config.StaleAfter()
	cutoff := r.now().Add(-staleAfter)

	recs, err := r.records.Pending(ctx, cutoff, r.config.Batch())
	if err != nil {
		return 0, fmt.Errorf("listing pending records: %w", err)
	}

	closed := 0
	for i := range recs {
		if ctx.Err() != nil {
			break
		}
		rec := &recs[i]
		age := r.now().Sub(rec.CreatedAt)
		detail := fmt.Sprintf("no terminal update within %s", staleAfter)
		err := r.records.Close(ctx, rec, audit.Failed(domain.ErrorClassAbandoned, detail, age))
		if errors.Is(err, audit.ErrAlreadyClosed) {
			continue
		}
		if err != nil {
			r.logger.WarnContext(ctx, "closing abandoned record",
				slog.String("process_id", rec.ProcessID),
				slog.Any("error", err),
			)
			continue
		}
		closed++

		if rec.ReservationID == uuid.Nil {
			continue
		}
		released, err := r.releaser.ReleaseByID(ctx, rec.ReservationID)
		if err != nil {
			r.logger.WarnContext(ctx, "releasing abandoned reservation",
				slog.String("process_id", rec.ProcessID),
				slog.String("reservation_id", rec.ReservationID.String()),
				slog.Any("error", err),
			)
			continue
		}
		r.logger.InfoContext(ctx, "abandoned execution reaped",
			slog.String("process_id", rec.ProcessID),
			slog.Bool("credit_released", released),
			slog.Duration("age", age),
		)
	}

	r.metrics.RecordReaped(closed)
	return closed, ctx.Err()
}
