package cmd

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/app"
	"github.com/episcope/episcope/internal/embed"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the bulk embedding worker",
	Long: `Processes deferred bulk embedding jobs from Redis. Each job embeds
the texts in its manifest and persists the vectors to the shared cache, so a
subsequent update run applies without touching the embedding API.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("redis_addr is not configured; the worker needs Redis")
	}

	a, err := app.GetOrInit(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				embed.QueueEmbeddings: 5,
				"default":             1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	processor := embed.NewTaskProcessor(a.Embeddings, logger)
	mux := asynq.NewServeMux()
	mux.HandleFunc(embed.TaskBulkEmbed, processor.ProcessBulkEmbed)

	logger.Info("worker starting",
		"redis", cfg.RedisAddr, "concurrency", cfg.WorkerConcurrency)
	if err := server.Run(mux); err != nil {
		return fmt.Errorf("running worker: %w", err)
	}
	return nil
}
