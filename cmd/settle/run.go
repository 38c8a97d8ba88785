package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ValerySidorin/settle/ack"
	"github.com/ValerySidorin/settle/config"
	"github.com/ValerySidorin/settle/consumer"
	"github.com/ValerySidorin/settle/flow"
	"github.com/ValerySidorin/settle/service"
	"github.com/spf13/cobra"
)

type runOptions struct {
	status string
	batch  bool
}

// newRunCmd settles every delivery of the configured queue with a fixed
// status. Rejecting with an error queue configured moves a queue into it.
func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the configured queue and settle each delivery with --status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := ack.ParseStatus(opts.status)
			if err != nil {
				return err
			}

			conf, path, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			l := configureLogger(conf.Log)
			l.Info("config loaded", "path", path, "commit", Commit)

			return run(cmd.Context(), conf, status, opts.batch, l)
		},
	}
	cmd.Flags().StringVar(&opts.status, "status", "accept", "status for every delivery: accept, reject or requeue")
	cmd.Flags().BoolVar(&opts.batch, "batch", false, "settle deliveries in batches of consumer.batch_size")

	return cmd
}

func run(ctx context.Context, conf config.Config, status ack.Status, batch bool, l *slog.Logger) error {
	s, err := service.New(ctx, conf, l)
	if err != nil {
		return fmt.Errorf("new service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			l.Error("close service", "err", err)
		}
	}()

	if batch {
		return s.RunBatch(ctx, func(ctx context.Context, b *consumer.Batch) error {
			l.Debug("settling batch", "size", len(b.Records), "status", status)
			return b.Callback.Acknowledge(ctx, status)
		})
	}

	return s.Run(ctx, func(ctx context.Context, rec flow.Record, cb ack.Callback) error {
		l.Debug("settling delivery", "delivery_id", rec.DeliveryID, "queue", rec.Queue, "status", status)
		return cb.Acknowledge(ctx, status)
	})
}
