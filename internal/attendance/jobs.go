package attendance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"qrattend/internal/queue"
)

// ProcessJobs consumes q until ctx ends. Reconcile requests run through the
// scheduler so they share its overlap guard; scan events are only logged.
func ProcessJobs(ctx context.Context, q queue.Queue, s *Scheduler, log *zap.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	log.Info("job consumer started")
	for msg := range messages {
		handleJob(ctx, msg, s, log)
	}
	log.Info("job consumer stopped")
	return nil
}

func handleJob(ctx context.Context, msg queue.Message, s *Scheduler, log *zap.Logger) {
	switch msg.Type {
	case queue.TypeReconcile:
		var req queue.ReconcileRequest
		if err := msg.Decode(&req); err != nil {
			log.Warn("bad reconcile job", zap.String("job_id", msg.ID), zap.Error(err))
			return
		}
		report, ran := s.Run(ctx, "queue")
		log.Info("reconcile job done",
			zap.String("job_id", msg.ID),
			zap.String("requested_by", req.RequestedBy),
			zap.Bool("ran", ran),
			zap.Int("backfilled", report.Backfilled))
	case queue.TypeScan:
		var evt queue.ScanEvent
		if err := msg.Decode(&evt); err != nil {
			log.Warn("bad scan event", zap.String("job_id", msg.ID), zap.Error(err))
			return
		}
		log.Debug("scan event", zap.String("member_id", evt.MemberID), zap.String("date", evt.Date))
	default:
		log.Warn("unknown job type", zap.String("job_id", msg.ID), zap.String("type", msg.Type))
	}
}
