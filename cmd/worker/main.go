package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"escrowflow/internal/config"
	"escrowflow/pkg/db"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
)

var (
	replayEventID int64
	replayLimit   int
)

var rootCmd = &cobra.Command{
	Use:   "escrow-worker",
	Short: "Relay milestone outbox events to RabbitMQ",
	Long: `escrow-worker publishes milestone.status_changed events written by the
escrow server's outbox, and lets operators replay events that exhausted their retries.

Examples:
  escrow-worker                         # run the dispatcher until SIGTERM
  escrow-worker replay --event-id 42    # re-queue one failed event
  escrow-worker replay-failed --limit 50`,
	SilenceUsage: true,
	RunE:         runDispatcher,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reset one failed outbox event to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if replayEventID <= 0 {
			return fmt.Errorf("--event-id is required")
		}
		return withReplay(cmd.Context(), func(ctx context.Context, svc *outbox.ReplayService) error {
			return svc.ReplayEvent(ctx, replayEventID)
		})
	},
}

var replayFailedCmd = &cobra.Command{
	Use:   "replay-failed",
	Short: "Reset up to --limit failed outbox events to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withReplay(cmd.Context(), func(ctx context.Context, svc *outbox.ReplayService) error {
			n, err := svc.ReplayFailedEvents(ctx, replayLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return nil
		})
	},
}

func init() {
	replayCmd.Flags().Int64Var(&replayEventID, "event-id", 0, "outbox event id")
	replayFailedCmd.Flags().IntVar(&replayLimit, "limit", 100, "max events to replay")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(replayFailedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	log := logger.NewWithOptions(cfg.Log)
	defer log.Sync()

	log.Info("Starting escrow worker...", zap.String("mq_url", cfg.MQ.URL))

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "escrow-worker",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, log)
	if err != nil {
		log.Warn("Failed to init tracing, continuing without it", zap.Error(err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer dbConn.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(outbox.NewRepository(dbConn), publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	// 阻塞到收到信号
	dispatcher.Start(ctx)

	log.Info("escrow worker shutdown complete")
	return nil
}

func withReplay(ctx context.Context, fn func(context.Context, *outbox.ReplayService) error) error {
	cfg := config.Load()
	log := logger.NewWithOptions(cfg.Log)
	defer log.Sync()

	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer dbConn.Close()

	return fn(ctx, outbox.NewReplayService(outbox.NewRepository(dbConn), log))
}
