//go:build integration

// Package integration contains end-to-end integration tests that require
// real infrastructure (Kafka, Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/relay/internal/domain"
	"github.com/agentrelay/relay/internal/kafka"
	"github.com/agentrelay/relay/internal/notify"
	"github.com/agentrelay/relay/internal/postgres"
	redisstore "github.com/agentrelay/relay/internal/redis"
	"github.com/agentrelay/relay/services/engine"
	"github.com/agentrelay/relay/services/reaper"
)

func newTestEngine(t *testing.T) (*engine.Engine, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		redisClient.FlushDB(ctx) //nolint:errcheck
		redisClient.Close()      //nolint:errcheck
	})

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE tasks, workers CASCADE") //nolint:errcheck
		pool.Close()
	})

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	eng := engine.New(
		postgres.NewTaskStore(pool),
		postgres.NewWorkerRegistry(pool),
		redisstore.NewPresenceStore(redisClient),
		producer,
		engine.WithLogger(slog.Default()),
	)
	return eng, pool
}

// TestE2E_TaskLifecycle walks one task through the whole claim protocol
// against real infrastructure: submit → claim → progress → release.
func TestE2E_TaskLifecycle(t *testing.T) {
	createTopic(t, kafka.TopicAvailable)
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.RegisterWorker(ctx, engine.RegisterRequest{
		WorkerID:       "e2e-worker",
		Role:           "builder",
		OwnedCodebases: []string{"repo1"},
		Capabilities:   []string{"shell"},
	})
	require.NoError(t, err)

	task, err := eng.SubmitTask(ctx, engine.SubmitRequest{
		Scope:                domain.CodebaseScope("repo1"),
		RequiredCapabilities: []string{"shell"},
		Priority:             5,
		Payload:              json.RawMessage(`{"op":"build","ref":"main"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)

	claimed, err := eng.ClaimNext(ctx, "e2e-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, eng.UpdateProgress(ctx, task.ID, "e2e-worker", domain.StatusRunning))

	released, err := eng.Release(ctx, task.ID, "e2e-worker",
		domain.StatusCompleted, json.RawMessage(`{"artifacts":3}`), "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, released.Status)
	assert.Empty(t, released.ClaimedBy)
	assert.JSONEq(t, `{"artifacts":3}`, string(released.Result))

	// Terminal outcomes are final: no further claims, no cancel rewrite.
	_, err = eng.ClaimTask(ctx, "e2e-worker", task.ID)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	status, err := eng.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status)
}

// TestE2E_ReaperRequeuesAbandonedClaim simulates a worker dying mid-task and
// verifies the reaper returns the work to the queue with an attempt charged.
func TestE2E_ReaperRequeuesAbandonedClaim(t *testing.T) {
	createTopic(t, kafka.TopicAvailable)
	createTopic(t, kafka.TopicFailed)
	eng, pool := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.RegisterWorker(ctx, engine.RegisterRequest{
		WorkerID: "doomed-worker", Role: "builder", Capabilities: []string{"shell"},
	})
	require.NoError(t, err)

	task, err := eng.SubmitTask(ctx, engine.SubmitRequest{
		Scope:   domain.ScopeGlobal,
		Payload: json.RawMessage(`{"op":"noop"}`),
	})
	require.NoError(t, err)

	claimed, err := eng.ClaimNext(ctx, "doomed-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The worker dies: backdate its last progress so the claim looks stale.
	_, err = pool.Exec(ctx, `UPDATE tasks SET last_progress_at = now() - interval '10 minutes' WHERE id = $1`, task.ID)
	require.NoError(t, err)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	rp := reaper.New(postgres.NewTaskStore(pool), producer, nil,
		100*time.Millisecond, 2*time.Minute, slog.Default())

	reapCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rp.Run(reapCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := eng.GetTask(ctx, task.ID)
		return err == nil && got.Status == domain.StatusPending
	}, 10*time.Second, 100*time.Millisecond, "reaper should requeue the abandoned task")
	cancel()
	<-done

	got, err := eng.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts, "abandonment charges the attempt")
	assert.Empty(t, got.ClaimedBy)

	// The task is claimable again.
	reclaimed, err := eng.ClaimNext(ctx, "doomed-worker")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 3, reclaimed.Attempts)
}

// TestE2E_DeadlineFailurePublishesEvent verifies the terminal-failure feed:
// a task that expires unclaimed is failed by the reaper and announced on
// tasks.failed.
func TestE2E_DeadlineFailurePublishesEvent(t *testing.T) {
	createTopic(t, kafka.TopicAvailable)
	createTopic(t, kafka.TopicFailed)
	eng, pool := newTestEngine(t)
	ctx := context.Background()

	zero := int64(0)
	task, err := eng.SubmitTask(ctx, engine.SubmitRequest{
		Scope:           domain.ScopeGlobal,
		Payload:         json.RawMessage(`{}`),
		DeadlineSeconds: &zero,
	})
	require.NoError(t, err)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	rp := reaper.New(postgres.NewTaskStore(pool), producer, nil,
		100*time.Millisecond, 2*time.Minute, slog.Default())

	reapCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rp.Run(reapCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := eng.GetTask(ctx, task.ID)
		return err == nil && got.Status == domain.StatusFailed
	}, 10*time.Second, 100*time.Millisecond, "reaper should fail the expired task")
	cancel()
	<-done

	got, err := eng.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDeadlineExceeded, got.FailureReason)

	// The failure event is on the feed.
	consumer := kafka.NewFailureConsumer(testKafkaBrokers, uniqueTopic("notifier"), slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	events := make(chan notify.FailureEvent, 8)
	consumeCtx, stop := context.WithTimeout(ctx, 30*time.Second)
	defer stop()
	go func() {
		consumer.Subscribe(consumeCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			var evt notify.FailureEvent
			if json.Unmarshal(m.Value, &evt) == nil {
				events <- evt
			}
			return nil
		})
	}()

	for {
		select {
		case evt := <-events:
			if evt.TaskID != task.ID {
				continue // another test's failure
			}
			assert.Equal(t, domain.ReasonDeadlineExceeded, evt.FailureReason)
			return
		case <-consumeCtx.Done():
			t.Fatal("timed out waiting for failure event")
		}
	}
}
