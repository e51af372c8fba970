// Package ingest uploads transcripts and follows the tasks the store spawns
// for them until they finish.
package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"annostore/internal/task"
	"annostore/internal/upload"
)

const maxConcurrentWaits = 8

type Uploader interface {
	NewItem(ctx context.Context, files upload.Files, opts upload.NewItemOptions) (map[string]string, error)
	UpdateItem(ctx context.Context, files upload.Files, opts upload.UpdateItemOptions) (map[string]string, error)
}

// Waiter is the part of task.Handle the pipeline drives.
type Waiter interface {
	WaitFor(ctx context.Context, maxSeconds int) (task.Status, error)
	Release(ctx context.Context) error
}

// HandleFactory opens a Waiter for a task id.
type HandleFactory func(id string) Waiter

type Service struct {
	uploader    Uploader
	handles     HandleFactory
	waitSeconds int
	logger      *slog.Logger
}

type Input struct {
	Files  upload.Files
	Merge  bool
	New    upload.NewItemOptions
	Update upload.UpdateItemOptions
	// Wait follows every spawned task. WaitSeconds 0 uses the service default.
	Wait        bool
	WaitSeconds int
	// Release frees finished tasks on the store once they have been observed.
	Release bool
}

type Timings struct {
	Upload time.Duration
	Wait   time.Duration
	Total  time.Duration
}

type TaskOutcome struct {
	Name     string
	TaskID   string
	Status   *task.Status
	Err      error
	Released bool
}

type Result struct {
	Tasks    map[string]string
	Outcomes []TaskOutcome
	Timings  Timings
}

// Finished reports whether every followed task stopped running without error.
func (r Result) Finished() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil || o.Status == nil || o.Status.Running {
			return false
		}
	}
	return true
}

func New(uploader Uploader, handles HandleFactory, waitSeconds int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	return &Service{
		uploader:    uploader,
		handles:     handles,
		waitSeconds: waitSeconds,
		logger:      logger,
	}
}

func (s *Service) Process(ctx context.Context, in Input) (Result, error) {
	started := time.Now()

	var (
		tasks map[string]string
		err   error
	)
	if in.Merge {
		tasks, err = s.uploader.UpdateItem(ctx, in.Files, in.Update)
	} else {
		tasks, err = s.uploader.NewItem(ctx, in.Files, in.New)
	}
	uploadDuration := time.Since(started)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Tasks: tasks,
		Timings: Timings{
			Upload: uploadDuration,
			Total:  time.Since(started),
		},
	}
	if !in.Wait || len(tasks) == 0 {
		return result, nil
	}

	waitSeconds := in.WaitSeconds
	if waitSeconds <= 0 {
		waitSeconds = s.waitSeconds
	}

	waitStarted := time.Now()
	result.Outcomes = s.follow(ctx, tasks, waitSeconds, in.Release)
	result.Timings.Wait = time.Since(waitStarted)
	result.Timings.Total = time.Since(started)
	return result, nil
}

// follow waits on every task concurrently. One task's failure is recorded in
// its outcome and does not stop the others.
func (s *Service) follow(ctx context.Context, tasks map[string]string, waitSeconds int, release bool) []TaskOutcome {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	outcomes := make([]TaskOutcome, len(names))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentWaits)
	for i, name := range names {
		id := tasks[name]
		g.Go(func() error {
			outcome := s.followOne(ctx, name, id, waitSeconds, release)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *Service) followOne(ctx context.Context, name, id string, waitSeconds int, release bool) TaskOutcome {
	outcome := TaskOutcome{Name: name, TaskID: id}
	h := s.handles(id)
	st, err := h.WaitFor(ctx, waitSeconds)
	outcome.Status = &st
	if err != nil {
		outcome.Err = err
		s.logger.Warn("ingest_task_wait_failed", "task_id", id, "item", name, "error", err)
		return outcome
	}
	if st.Running || !release {
		return outcome
	}
	if err := h.Release(ctx); err != nil {
		s.logger.Warn("ingest_task_release_failed", "task_id", id, "item", name, "error", err)
		return outcome
	}
	outcome.Released = true
	return outcome
}
