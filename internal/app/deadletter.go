package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"whalewatch/internal/queue"
)

// ListDeadLetters prints up to limit dead jobs, newest first.
func (a *App) ListDeadLetters(ctx context.Context, limit int) error {
	q, closeQueue, err := a.openQueue(ctx, false)
	if err != nil {
		return err
	}
	defer closeQueue()

	jobs, err := q.DeadLetters(ctx, limit)
	if err != nil {
		return err
	}
	return renderDeadLetters(os.Stdout, jobs)
}

func renderDeadLetters(out io.Writer, jobs []queue.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "dead-letter list is empty")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Job\tRule\tTxID\tAttempts\tFailed (UTC)\tError")
	for _, job := range jobs {
		failedAt := "-"
		if job.FailedAt != nil {
			failedAt = job.FailedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.RuleID, shortTxID(job.TxID), job.Attempt, job.MaxAttempts, failedAt, sanitizeInline(job.LastError))
	}
	return writer.Flush()
}

// RequeueDeadLetters moves the given dead jobs back to the ready list.
func (a *App) RequeueDeadLetters(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("no job ids given")
	}
	q, closeQueue, err := a.openQueue(ctx, false)
	if err != nil {
		return err
	}
	defer closeQueue()

	var failed int
	for _, id := range ids {
		if err := q.RequeueDead(ctx, id); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("job_id", id).Msg("requeue failed")
			continue
		}
		a.Logger.Info().Str("job_id", id).Msg("dead job requeued")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs could not be requeued", failed, len(ids))
	}
	return nil
}
