package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qrattend/internal/clock"
	"qrattend/internal/metrics"
)

// Report summarises one reconciler run.
type Report struct {
	Date       string `json:"date"`
	Members    int    `json:"members"`
	Updated    int    `json:"updated"`
	Backfilled int    `json:"backfilled"`
	Failed     int    `json:"failed"`
}

// Reconciler fills the gaps in every member's history with absence entries
// and keeps the present flag in line with today's entry.
type Reconciler struct {
	repo        Repository
	clock       clock.Clock
	log         *zap.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// NewReconciler creates a reconciler processing up to concurrency members at once.
func NewReconciler(repo Repository, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, concurrency int) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{repo: repo, clock: clk, log: log, metrics: m, concurrency: concurrency}
}

// ReconcileAll reconciles every member against today. Only a failure to list
// members is returned; a member that fails is logged, counted and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	start := time.Now()
	today := clock.Today(r.clock)
	rep := Report{Date: today}

	members, err := r.repo.List(ctx, Filter{})
	if err != nil {
		r.metrics.ReconcileRun("error", 0, 0, time.Since(start))
		return rep, persistErr("list members", err)
	}
	rep.Members = len(members)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, m := range members {
		id := m.ID
		g.Go(func() error {
			added, changed, err := r.reconcileMember(gctx, id, today)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				r.log.Warn("reconcile member failed", zap.String("member_id", id), zap.Error(err))
				return nil
			}
			if changed {
				rep.Updated++
			}
			if added > 0 {
				rep.Backfilled += added
				r.log.Info("absences backfilled", zap.String("member_id", id), zap.Int("days", added))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if rep.Failed > 0 {
		result = "partial"
	}
	r.metrics.ReconcileRun(result, rep.Backfilled, rep.Failed, time.Since(start))
	r.log.Info("reconcile finished",
		zap.String("date", today),
		zap.Int("members", rep.Members),
		zap.Int("updated", rep.Updated),
		zap.Int("backfilled", rep.Backfilled),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return rep, nil
}

// reconcileMember re-reads the member on each attempt so a concurrent scan is
// never overwritten. Unchanged members are not written.
func (r *Reconciler) reconcileMember(ctx context.Context, id, today string) (int, bool, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		m, err := r.repo.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// deleted since the listing
			return 0, false, nil
		}
		if err != nil {
			return 0, false, persistErr("get member", err)
		}
		version := m.Version

		added, err := m.Backfill(today)
		if err != nil {
			return 0, false, err
		}
		flipped := m.RecomputePresent(today)
		if added == 0 && !flipped {
			return 0, false, nil
		}

		err = r.repo.Update(ctx, m, version)
		if errors.Is(err, ErrConflict) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return 0, false, persistErr("update member", err)
		}
		return added, true, nil
	}
}
