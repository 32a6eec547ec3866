package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"chargeline/internal/domain"
	"chargeline/internal/pipeline"
	"chargeline/internal/repo"
	"chargeline/internal/sheet"
	"chargeline/internal/tebra"
)

// Runner accepts uploads, validates them synchronously and runs the
// processing pipeline on one worker goroutine per submission. The
// submitter gets a task id back immediately and polls for completion.
type Runner struct {
	Repo      repo.Repo
	OutputDir string
	Pipeline  pipeline.Config
	NewClient func(tebra.Credentials) (tebra.Client, error)
	Logger    *log.Logger
	Now       func() time.Time

	wg sync.WaitGroup
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.New(io.Discard, "", 0)
}

// Submit validates the upload and creates a pending task. Schema and
// client-construction failures reject the submission before any task
// exists; everything after that surfaces through the task status.
func (r *Runner) Submit(ctx context.Context, upload io.Reader, originalName string, creds tebra.Credentials) (domain.Task, error) {
	table, err := sheet.Read(upload)
	if err != nil {
		return domain.Task{}, err
	}
	client, err := r.NewClient(creds)
	if err != nil {
		return domain.Task{}, err
	}
	now := r.now().UTC().Format(time.RFC3339)
	task := domain.Task{
		ID:           uuid.NewString(),
		Status:       "pending",
		OriginalName: originalName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.Repo.CreateTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	r.wg.Add(1)
	go r.process(task, table, client)
	return task, nil
}

// process owns the task from here on. The worker is deliberately
// detached from the request context: a caller that stops polling cannot
// cancel an in-flight run.
func (r *Runner) process(task domain.Task, table *domain.Table, client tebra.Client) {
	defer r.wg.Done()
	ctx := context.Background()
	summary := pipeline.New(client, r.Pipeline, r.logger()).Run(ctx, table)

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		r.fail(ctx, task.ID, fmt.Sprintf("create output dir: %v", err))
		return
	}
	outPath := filepath.Join(r.OutputDir, sheet.OutputFilename(task.ID, r.now()))
	if err := sheet.Write(outPath, table); err != nil {
		r.fail(ctx, task.ID, fmt.Sprintf("write output: %v", err))
		return
	}
	msg := fmt.Sprintf("%d rows processed, %d payments posted, %d encounters created, %d rows with errors",
		summary.TotalRows, summary.PaymentsPosted, summary.EncountersCreated, summary.FailedRows)
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.MarkCompleted(ctx, task.ID, outPath, msg, now); err != nil {
		r.logger().Printf("task %s: mark completed: %v", task.ID, err)
	}
}

func (r *Runner) fail(ctx context.Context, taskID, msg string) {
	r.logger().Printf("task %s: %s", taskID, msg)
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.MarkError(ctx, taskID, msg, now); err != nil {
		r.logger().Printf("task %s: mark error: %v", taskID, err)
	}
}

// Wait blocks until every in-flight worker has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ProcessFile runs the pipeline synchronously over a local spreadsheet,
// bypassing the task store. Used by the CLI.
func (r *Runner) ProcessFile(ctx context.Context, path string, creds tebra.Credentials) (*domain.RunSummary, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	table, err := sheet.Read(f)
	if err != nil {
		return nil, "", err
	}
	client, err := r.NewClient(creds)
	if err != nil {
		return nil, "", err
	}
	summary := pipeline.New(client, r.Pipeline, r.logger()).Run(ctx, table)
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return nil, "", err
	}
	outPath := filepath.Join(r.OutputDir, sheet.OutputFilename(uuid.NewString(), r.now()))
	if err := sheet.Write(outPath, table); err != nil {
		return nil, "", err
	}
	return summary, outPath, nil
}
