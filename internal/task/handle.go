// Package task tracks long-running jobs on the annotation store by their
// task identifier.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"annostore/internal/upstream/store"
)

// MinRefresh is the shortest delay between two status polls.
const MinRefresh = 2 * time.Second

// Sender is the part of the store client a Handle needs.
type Sender interface {
	Send(ctx context.Context, req store.Request) store.Response
}

// ID is a task identifier. The store sends it as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task: invalid task id %s", data)
	}
	*id = ID(n.String())
	return nil
}

// State is the lifecycle position of a task as last observed by a Handle.
type State int32

const (
	Submitted State = iota
	Running
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status is the server's view of a task.
type Status struct {
	TaskID          ID       `json:"threadId"`
	Name            string   `json:"threadName,omitempty"`
	Running         bool     `json:"running"`
	RefreshSeconds  int      `json:"refreshSeconds"`
	ResultURL       string   `json:"resultUrl,omitempty"`
	Log             []string `json:"log,omitempty"`
	Message         string   `json:"status,omitempty"`
	PercentComplete int      `json:"percentComplete,omitempty"`
	Duration        int64    `json:"duration,omitempty"`
}

// Refresh returns the delay before the next poll, never less than MinRefresh.
func (s Status) Refresh() time.Duration {
	d := time.Duration(s.RefreshSeconds) * time.Second
	if d < MinRefresh {
		return MinRefresh
	}
	return d
}

type StatusOptions struct {
	// Log asks the server to include the task's log lines.
	Log bool
	// KeepAlive tells the server the client still wants the task kept.
	KeepAlive bool
}

func DefaultStatusOptions() StatusOptions {
	return StatusOptions{Log: false, KeepAlive: true}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type PollObserver func(taskID string, running bool)

type Option func(*Handle)

func WithSleep(sleep SleepFunc) Option {
	return func(h *Handle) {
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithPollObserver(observer PollObserver) Option {
	return func(h *Handle) {
		h.onPoll = observer
	}
}

// Handle represents one server-side task. Two handles for the same id may
// poll concurrently; concurrent Cancel/Release on one id is up to the caller.
type Handle struct {
	client   Sender
	id       string
	sleep    SleepFunc
	logger   *slog.Logger
	onPoll   PollObserver
	state    atomic.Int32
	cancel   atomic.Bool
	released atomic.Bool
}

func New(client Sender, id string, opts ...Option) *Handle {
	h := &Handle{
		client: client,
		id:     id,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Handle) ID() string { return h.id }

// State returns the lifecycle state derived from the last successful poll.
func (h *Handle) State() State { return State(h.state.Load()) }

// Released reports whether Release succeeded on this handle.
func (h *Handle) Released() bool { return h.released.Load() }

// Status fetches the current task status without blocking on the task.
func (h *Handle) Status(ctx context.Context, opts StatusOptions) (Status, error) {
	resp := h.client.Send(ctx, store.Request{
		Operation: "taskStatus",
		URL:       h.path(),
		Method:    http.MethodGet,
		Params: store.Params{
			"log":       opts.Log,
			"keepalive": opts.KeepAlive,
		},
	})
	if err := resp.Err(); err != nil {
		return Status{TaskID: ID(h.id)}, err
	}
	var st Status
	if err := resp.Decode(&st); err != nil {
		return Status{TaskID: ID(h.id)}, fmt.Errorf("task: decode status for %s: %w", h.id, err)
	}
	if st.TaskID == "" {
		st.TaskID = ID(h.id)
	}
	h.observe(st)
	if h.onPoll != nil {
		h.onPoll(h.id, st.Running)
	}
	return st, nil
}

// WaitFor polls until the task stops running or the remaining budget of
// maxSeconds is smaller than the next poll delay. maxSeconds 0 waits without
// limit. The last status is returned either way; callers tell completion from
// timeout by Status.Running. A failed poll ends the wait.
func (h *Handle) WaitFor(ctx context.Context, maxSeconds int) (Status, error) {
	budget := time.Duration(maxSeconds) * time.Second
	var elapsed time.Duration
	for {
		st, err := h.Status(ctx, DefaultStatusOptions())
		if err != nil {
			return st, err
		}
		if !st.Running {
			return st, nil
		}
		delay := st.Refresh()
		if maxSeconds > 0 && budget-elapsed < delay {
			h.logger.Debug("task_wait_timeout",
				"task_id", h.id,
				"max_seconds", maxSeconds,
				"elapsed_ms", elapsed.Milliseconds(),
			)
			return st, nil
		}
		if err := h.sleep(ctx, delay); err != nil {
			return st, err
		}
		elapsed += delay
	}
}

// Cancel asks the server to stop the task. The server decides when it
// actually stops, so a following Status may still report Running.
func (h *Handle) Cancel(ctx context.Context) error {
	if err := h.command(ctx, "cancelTask", "cancel"); err != nil {
		return err
	}
	h.cancel.Store(true)
	return nil
}

// Release tells the server the task's resources are no longer needed. It is
// safe on finished and cancelled tasks.
func (h *Handle) Release(ctx context.Context) error {
	if err := h.command(ctx, "releaseTask", "release"); err != nil {
		return err
	}
	h.released.Store(true)
	return nil
}

func (h *Handle) command(ctx context.Context, operation, discriminator string) error {
	resp := h.client.Send(ctx, store.Request{
		Operation: operation,
		URL:       h.path(),
		Method:    http.MethodDelete,
		Params:    store.Params{discriminator: true},
	})
	if err := resp.Err(); err != nil {
		return err
	}
	h.logger.Debug("task_"+discriminator, "task_id", h.id)
	return nil
}

func (h *Handle) observe(st Status) {
	switch {
	case st.Running:
		h.state.Store(int32(Running))
	case h.cancel.Load():
		h.state.Store(int32(Cancelled))
	default:
		h.state.Store(int32(Finished))
	}
}

func (h *Handle) path() string {
	return "api/task/" + url.PathEscape(h.id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
