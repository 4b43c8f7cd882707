// Command botforgectl inspects chunking decisions locally and talks to the
// job queue of a running deployment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/botforge/internal/config"
	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/queue"
	"github.com/markdave123-py/botforge/internal/logger"
)

func main() {
	cfg := config.LoadConfig()
	logger.SetupWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(cfg, func(ctx context.Context) (core.JobQueue, error) {
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(ctx, client, cfg.QueuePrefix)
	})
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
