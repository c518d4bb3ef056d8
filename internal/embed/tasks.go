package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/episcope/episcope/internal/log"
)

const (
	// TaskBulkEmbed is the task type for deferred embedding batches.
	TaskBulkEmbed = "embed:bulk"

	// QueueEmbeddings is the queue bulk embedding tasks run on.
	QueueEmbeddings = "embeddings"

	// bulkRetention keeps completed tasks inspectable so callers can
	// observe terminal job states.
	bulkRetention = 48 * time.Hour
)

// BulkEmbedPayload points a worker at the manifest file holding the texts
// to embed. Texts travel by file, not by Redis payload: bulk batches run to
// hundreds of chunks.
type BulkEmbedPayload struct {
	ManifestPath string `json:"manifest_path"`
	TextCount    int    `json:"text_count"`
}

// NewBulkEmbedTask builds the asynq task for a written manifest.
func NewBulkEmbedTask(manifestPath string, textCount int) (*asynq.Task, error) {
	payload, err := json.Marshal(BulkEmbedPayload{
		ManifestPath: manifestPath,
		TextCount:    textCount,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskBulkEmbed,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Queue(QueueEmbeddings),
		asynq.Retention(bulkRetention),
	), nil
}

// TaskProcessor handles bulk embedding tasks on the worker side.
type TaskProcessor struct {
	service *Service
	logger  log.Logger
}

func NewTaskProcessor(service *Service, logger log.Logger) *TaskProcessor {
	return &TaskProcessor{service: service, logger: logger}
}

// ProcessBulkEmbed embeds every text in the task's manifest and persists
// the vectors to the cache. The manifest is removed on success.
func (p *TaskProcessor) ProcessBulkEmbed(ctx context.Context, t *asynq.Task) error {
	var payload BulkEmbedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}

	p.logger.Info("processing bulk embedding task",
		"manifest", payload.ManifestPath, "texts", payload.TextCount)

	data, err := os.ReadFile(payload.ManifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("manifest missing: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("reading manifest: %w", err)
	}

	var texts []string
	if err := json.Unmarshal(data, &texts); err != nil {
		return fmt.Errorf("manifest corrupt: %w", asynq.SkipRetry)
	}

	if err := p.service.EmbedAndCache(ctx, texts); err != nil {
		return fmt.Errorf("embedding manifest texts: %w", err)
	}

	if err := os.Remove(payload.ManifestPath); err != nil {
		p.logger.Warn("removing processed manifest failed",
			"manifest", payload.ManifestPath, "error", err)
	}

	p.logger.Info("bulk embedding task completed", "texts", len(texts))
	return nil
}
