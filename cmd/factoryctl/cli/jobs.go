package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/agritrace/agritrace/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string, redisDB int) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Task builds a supported job by name with its default payload.
func Task(name string) (*asynq.Task, error) {
	switch name {
	case jobs.TaskFactoryLotAudit:
		return jobs.NewLotAuditTask(0)
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(72 * time.Hour)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := Task(name)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListRetry returns tasks waiting for a retry, most useful after job failures.
func (c *JobsCLI) ListRetry(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListRetryTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

func newJobsCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a job immediately",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskFactoryLotAudit, jobs.TaskIdempotencyCleanup},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := Task(args[0]); err != nil {
				return err
			}
			c, err := deps.OpenJobs(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			info, err := c.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", info.Type, info.ID)
			return nil
		},
	}

	var retrySize int
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show default queue counters and tasks awaiting retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := deps.OpenJobs(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			stats, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			retries, err := c.ListRetry(cmd.Context(), retrySize)
			if err != nil {
				return err
			}
			for _, t := range retries {
				fmt.Fprintf(out, "%s\t%s\tretried=%d\t%s\n", t.ID, t.Type, t.Retried, t.LastErr)
			}
			return nil
		},
	}
	inspect.Flags().IntVar(&retrySize, "retry-limit", 10, "number of retry tasks to list")

	cmd.AddCommand(trigger, inspect)
	return cmd
}
