package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/botforge/internal/config"
	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/chunker"
	"github.com/markdave123-py/botforge/internal/models"
)

// queueOpener connects to the deployment's job queue.
type queueOpener func(ctx context.Context) (core.JobQueue, error)

func newRootCmd(cfg *config.Config, openQueue queueOpener) *cobra.Command {
	root := &cobra.Command{
		Use:          "botforgectl",
		Short:        "Inspect chunking and manage ingestion jobs",
		SilenceUsage: true,
	}
	root.AddCommand(
		newStrategyCmd(),
		newChunkCmd(),
		newReindexCmd(cfg, openQueue),
		newJobCmd(openQueue),
	)
	return root
}

func newStrategyCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "strategy <file>",
		Short: "Print the chunking strategy selected for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, ct, err := readText(args[0], contentType)
			if err != nil {
				return err
			}
			name := chunker.SelectStrategy(text, ct)
			cfg := chunker.ConfigFor(name)
			cmd.Printf("%s (target %d, overlap %d)\n", name, cfg.TargetSize, cfg.OverlapSize)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type hint (default: from the file extension)")
	return cmd
}

func newChunkCmd() *cobra.Command {
	var (
		strategy    string
		adaptive    bool
		contentType string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Chunk a file and print the chunks with their quality report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strategy != "" && adaptive {
				return errors.New("--strategy and --adaptive are mutually exclusive")
			}
			text, ct, err := readText(args[0], contentType)
			if err != nil {
				return err
			}

			res, err := chunker.New().ChunkDocument(text, chunker.Meta{
				SourceID:    filepath.Base(args[0]),
				SourceType:  models.SourceDocument,
				ContentType: ct,
			}, chunker.Options{Strategy: strategy, Adaptive: adaptive})
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(res.Chunks, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal chunks: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Printf("strategy %s: %d chunks, coverage %.2f\n", res.Config.Name, len(res.Chunks), res.Quality.Coverage)
			for _, w := range res.Quality.Warnings {
				cmd.Printf("warning %s: %s\n", w.Kind, w.Detail)
			}
			for _, ch := range res.Chunks {
				approx := ""
				if !ch.PositionExact {
					approx = "~"
				}
				cmd.Printf("\n[%d/%d] %s%d-%d\n%s\n", ch.ChunkIndex+1, ch.TotalChunks, approx, ch.StartChar, ch.EndChar, ch.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a named strategy")
	cmd.Flags().BoolVar(&adaptive, "adaptive", false, "derive the chunk size from the text")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type hint (default: from the file extension)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output chunks as JSON")
	return cmd
}

func newReindexCmd(cfg *config.Config, openQueue queueOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <botID>",
		Short: "Queue a rebuild of a bot's embeddings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer q.Close()

			job, err := q.Enqueue(cmd.Context(), models.QueueReindex, models.JobReindexBot,
				models.ReindexJobPayload{BotID: args[0]},
				core.EnqueueOptions{Attempts: cfg.JobAttempts, Backoff: cfg.JobBackoff})
			if err != nil {
				return fmt.Errorf("enqueue reindex: %w", err)
			}
			cmd.Printf("queued %s job %s for bot %s\n", job.Queue, job.ID, args[0])
			return nil
		},
	}
}

func newJobCmd(openQueue queueOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Print the state of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, ok := models.ParseQueueName(args[0])
			if !ok {
				return core.E(core.ErrInvalidQueue, "botforgectl.job", args[0], nil)
			}
			q, err := openQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer q.Close()

			job, err := q.GetJob(cmd.Context(), name, args[1])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

// readText loads a plain-text file. The content type falls back to the one
// registered for the file extension.
func readText(path, contentType string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	return string(data), contentType, nil
}
