package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"qrattend/internal/store"
)

// Locker grants a lease so that only one replica reconciles at a time.
// Acquire returns store.ErrLockHeld when another holder owns the lease.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Scheduler triggers reconciler runs on startup, on a cron schedule and on request.
type Scheduler struct {
	reconciler *Reconciler
	log        *zap.Logger
	cron       *cron.Cron
	spec       string
	onStartup  bool
	locker     Locker

	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler parses spec (standard 5-field cron) in loc.
func NewScheduler(r *Reconciler, spec string, loc *time.Location, onStartup bool, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		reconciler: r,
		log:        log,
		cron:       cron.New(cron.WithLocation(loc)),
		spec:       spec,
		onStartup:  onStartup,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Run(s.ctx, "cron") }); err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	return s, nil
}

// WithLocker makes each run hold the lease from l.
func (s *Scheduler) WithLocker(l Locker) *Scheduler { s.locker = l; return s }

// Start begins the schedule. With onStartup set, one run starts immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.onStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Run(s.ctx, "startup")
		}()
	}
	s.cron.Start()
	s.log.Info("reconcile scheduler started", zap.String("spec", s.spec), zap.Bool("on_startup", s.onStartup))
}

// Stop halts the schedule and waits for a running job to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-done.Done()
	s.wg.Wait()
	s.log.Info("reconcile scheduler stopped")
}

// Run executes one reconciler run unless another is in progress here or,
// with a locker, on another replica. It reports whether the run happened.
func (s *Scheduler) Run(ctx context.Context, trigger string) (Report, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.running.TryLock() {
		s.log.Info("reconcile skipped, already running", zap.String("trigger", trigger))
		return Report{}, false
	}
	defer s.running.Unlock()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx)
		switch {
		case errors.Is(err, store.ErrLockHeld):
			s.log.Info("reconcile skipped, lock held elsewhere", zap.String("trigger", trigger))
			return Report{}, false
		case err != nil:
			// An unreachable lock backend does not cancel the run.
			s.log.Warn("reconcile lock unavailable, running without it", zap.String("trigger", trigger), zap.Error(err))
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.log.Warn("reconcile lock release failed", zap.Error(err))
				}
			}()
		}
	}

	rep, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		s.log.Error("reconcile run failed", zap.String("trigger", trigger), zap.Error(err))
		return rep, false
	}
	s.log.Info("reconcile run done", zap.String("trigger", trigger), zap.Int("backfilled", rep.Backfilled))
	return rep, true
}
