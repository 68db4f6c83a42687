package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qrattend/internal/queue"
)

func TestProcessJobsRunsReconcile(t *testing.T) {
	s, repo, m := newTestScheduler(t, false)
	q := queue.NewInMemory(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ProcessJobs(ctx, q, s, zap.NewNop()) }()

	for _, msg := range []queue.Message{
		{ID: "junk", Type: "unknown"},
		{ID: "empty", Type: queue.TypeReconcile},
	} {
		require.NoError(t, q.Publish(ctx, msg))
	}
	scan, err := queue.NewMessage(queue.TypeScan, queue.ScanEvent{MemberID: m.ID, Date: "2026-03-06"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, scan))
	job, err := queue.NewMessage(queue.TypeReconcile, queue.ReconcileRequest{RequestedBy: "admin"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, job))

	assert.Eventually(t, func() bool {
		got, err := repo.Get(context.Background(), m.ID)
		return err == nil && len(got.History) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
