package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/workflow"
)

var workerSchedule bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduled inbox ingest worker",
	Long:  "Connects to temporal, registers the ingest workflow and processes payload files dropped into the inbox directory on the configured cron schedule.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return eris.Wrap(err, "temporal dial")
		}
		defer c.Close()

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
			// The pipeline serializes batches; more would only queue.
			MaxConcurrentActivityExecutionSize: 1,
		})
		workflow.Register(w, workflow.NewActivities(env.Pipeline, cfg.Temporal.InboxDir))

		if workerSchedule {
			run, err := workflow.Schedule(ctx, c, cfg.Temporal.TaskQueue, cfg.Temporal.Cron)
			if err != nil {
				return err
			}
			zap.L().Info("ingest scheduled",
				zap.String("workflow_id", run.GetID()),
				zap.String("cron", cfg.Temporal.Cron),
			)
		}

		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start worker")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("inbox", cfg.Temporal.InboxDir),
		)

		<-ctx.Done()
		w.Stop()
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerSchedule, "schedule", true, "start the cron ingest workflow if it is not running")
	rootCmd.AddCommand(workerCmd)
}
