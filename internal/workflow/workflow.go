// Package workflow runs ingestion on a schedule: a temporal cron workflow
// picks up payload files dropped into an inbox directory and processes them
// as one batch.
package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/imagefilter/internal/model"
)

// WorkflowID is the fixed ID of the scheduled ingest workflow, so that
// scheduling twice does not start a second cron chain.
const WorkflowID = "imagefilter-ingest"

// Summary is what one scheduled ingest reports.
type Summary struct {
	Files          int       `json:"files"`
	RunID          string    `json:"run_id,omitempty"`
	Accepted       int       `json:"accepted"`
	RecordsWritten int       `json:"records_written"`
	Watermark      time.Time `json:"watermark"`
}

// IngestWorkflow scans the inbox and ingests whatever it finds.
func IngestWorkflow(ctx workflow.Context) (*Summary, error) {
	log := workflow.GetLogger(ctx)

	scanCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})

	var a *Activities
	var paths []string
	if err := workflow.ExecuteActivity(scanCtx, a.ScanInbox).Get(ctx, &paths); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		log.Info("workflow: inbox empty")
		return &Summary{}, nil
	}

	ingestCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{ErrRejectedInput},
		},
	})

	var res model.BatchResult
	if err := workflow.ExecuteActivity(ingestCtx, a.IngestFiles, paths).Get(ctx, &res); err != nil {
		return nil, err
	}

	sum := &Summary{
		Files:          len(paths),
		RunID:          res.RunID,
		RecordsWritten: res.RecordsWritten,
		Accepted:       res.Accepted(),
		Watermark:      res.WatermarkAfter,
	}
	log.Info("workflow: ingest complete", "run_id", sum.RunID, "files", sum.Files, "accepted", sum.Accepted)
	return sum, nil
}

// Register adds the workflow and activities to a worker.
func Register(w worker.Registry, a *Activities) {
	w.RegisterWorkflow(IngestWorkflow)
	w.RegisterActivity(a)
}

// Schedule starts the cron ingest workflow on taskQueue. When it is
// already running the existing execution is kept.
func Schedule(ctx context.Context, c client.Client, taskQueue, cron string) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           WorkflowID,
		TaskQueue:    taskQueue,
		CronSchedule: cron,
	}, IngestWorkflow)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: schedule ingest")
	}
	return run, nil
}
