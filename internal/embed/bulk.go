package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/episcope/episcope/internal/log"
)

// pollInterval is how often Wait checks a bulk job's state.
const pollInterval = 10 * time.Second

// AsynqLane submits bulk embedding batches as asynq tasks backed by Redis
// and manifest files on disk.
type AsynqLane struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	dir       string
	logger    log.Logger
}

// NewAsynqLane connects a bulk lane to Redis. dir holds manifest files and
// must be writable by both the submitter and the worker.
func NewAsynqLane(redisAddr, dir string, logger log.Logger) (*AsynqLane, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &AsynqLane{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		dir:       dir,
		logger:    logger,
	}, nil
}

// Close releases the Redis connections.
func (l *AsynqLane) Close() error {
	cerr := l.client.Close()
	if ierr := l.inspector.Close(); ierr != nil && cerr == nil {
		cerr = ierr
	}
	return cerr
}

// Submit writes texts to a manifest file and enqueues the embedding task.
// The returned job ID is the asynq task ID.
func (l *AsynqLane) Submit(ctx context.Context, texts []string) (string, error) {
	manifest := filepath.Join(l.dir, fmt.Sprintf("bulk_%s.json", uuid.NewString()))
	data, err := json.Marshal(texts)
	if err != nil {
		return "", fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(manifest, data, 0o600); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	task, err := NewBulkEmbedTask(manifest, len(texts))
	if err != nil {
		return "", err
	}

	info, err := l.client.EnqueueContext(ctx, task)
	if err != nil {
		if rmErr := os.Remove(manifest); rmErr != nil {
			l.logger.Warn("removing orphaned manifest failed", "manifest", manifest, "error", rmErr)
		}
		return "", fmt.Errorf("enqueuing bulk task: %w", err)
	}

	l.logger.Info("bulk embedding task enqueued",
		"job_id", info.ID, "queue", info.Queue, "texts", len(texts))
	return info.ID, nil
}

// Wait polls the job until it reaches a terminal state or timeout elapses.
// A still-running job reports ErrJobPending; an unknown job is expired
// (retention lapsed or the ID never existed).
func (l *AsynqLane) Wait(ctx context.Context, jobID string, timeout time.Duration) (BulkStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, terminal := l.observe(jobID)
		if terminal {
			return status, nil
		}
		if time.Now().After(deadline) {
			return StatusPending, ErrJobPending
		}

		select {
		case <-ctx.Done():
			return StatusCancelled, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *AsynqLane) observe(jobID string) (BulkStatus, bool) {
	info, err := l.inspector.GetTaskInfo(QueueEmbeddings, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return StatusExpired, true
		}
		l.logger.Warn("inspecting bulk task failed", "job_id", jobID, "error", err)
		return StatusPending, false
	}

	switch info.State {
	case asynq.TaskStateCompleted:
		return StatusCompleted, true
	case asynq.TaskStateArchived:
		// Retries exhausted.
		return StatusFailed, true
	default:
		return StatusPending, false
	}
}
