package task

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annostore/internal/upstream/store"
)

type scriptedSender struct {
	mu        sync.Mutex
	responses []store.Response
	requests  []store.Request
}

func (s *scriptedSender) Send(_ context.Context, req store.Request) store.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return store.Response{Errors: []string{"no scripted response"}}
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp
}

func statusResponse(t *testing.T, st Status) store.Response {
	t.Helper()
	b, err := json.Marshal(st)
	require.NoError(t, err)
	return store.Response{Result: b, StatusCode: http.StatusOK}
}

type recordingSleep struct {
	delays    []time.Duration
	cancelAt  int
	cancelErr error
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	if r.cancelAt > 0 && len(r.delays) >= r.cancelAt {
		return r.cancelErr
	}
	return nil
}

func TestWaitForZeroPollsUntilStopped(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "7", Running: true, RefreshSeconds: 3}),
	}}
	sleeper := &recordingSleep{cancelAt: 4, cancelErr: context.Canceled}
	h := New(sender, "7", WithSleep(sleeper.sleep))

	st, err := h.WaitFor(context.Background(), 0)

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, st.Running)
	assert.GreaterOrEqual(t, len(sender.requests), 2)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeper.delays)
}

func TestWaitForTimesOutBeforeSecondPoll(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "7", Running: true, RefreshSeconds: 10}),
	}}
	sleeper := &recordingSleep{}
	h := New(sender, "7", WithSleep(sleeper.sleep))

	st, err := h.WaitFor(context.Background(), 5)

	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Len(t, sender.requests, 1)
	assert.Empty(t, sleeper.delays)
}

func TestWaitForStopsWhenFinishedAndFloorsRefresh(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "9", Running: true}),
		statusResponse(t, Status{TaskID: "9", Running: true, RefreshSeconds: 1}),
		statusResponse(t, Status{TaskID: "9", Running: false, ResultURL: "transcript?id=AP511.eaf"}),
	}}
	sleeper := &recordingSleep{}
	h := New(sender, "9", WithSleep(sleeper.sleep))

	st, err := h.WaitFor(context.Background(), 60)

	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "transcript?id=AP511.eaf", st.ResultURL)
	assert.Equal(t, []time.Duration{MinRefresh, MinRefresh}, sleeper.delays)
	assert.Equal(t, Finished, h.State())
}

func TestWaitForBudgetCountsElapsedDelays(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "1", Running: true, RefreshSeconds: 4}),
	}}
	sleeper := &recordingSleep{}
	h := New(sender, "1", WithSleep(sleeper.sleep))

	st, err := h.WaitFor(context.Background(), 10)

	require.NoError(t, err)
	assert.True(t, st.Running)
	// 10s budget: poll, sleep 4, poll, sleep 4, poll, 2s left < 4s.
	assert.Len(t, sender.requests, 3)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, sleeper.delays)
}

func TestWaitForFailedPollEndsWait(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "3", Running: true, RefreshSeconds: 2}),
		{Errors: []string{"Invalid task ID: 3"}, StatusCode: http.StatusBadRequest},
		statusResponse(t, Status{TaskID: "3", Running: false}),
	}}
	sleeper := &recordingSleep{}
	h := New(sender, "3", WithSleep(sleeper.sleep))

	st, err := h.WaitFor(context.Background(), 0)

	require.Error(t, err)
	assert.Equal(t, "Invalid task ID: 3", err.Error())
	assert.Equal(t, ID("3"), st.TaskID)
	assert.Len(t, sender.requests, 2)
}

func TestStatusSendsOptions(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		statusResponse(t, Status{TaskID: "5", Running: true}),
	}}
	h := New(sender, "5")

	_, err := h.Status(context.Background(), StatusOptions{Log: true, KeepAlive: false})

	require.NoError(t, err)
	req := sender.requests[0]
	assert.Equal(t, "api/task/5", req.URL)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, true, req.Params["log"])
	assert.Equal(t, false, req.Params["keepalive"])
	assert.Equal(t, Running, h.State())
}

func TestStatusDecodesNumericTaskID(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		{Result: json.RawMessage(`{"threadId":123,"running":false,"refreshSeconds":5,"log":["done"]}`)},
	}}
	h := New(sender, "123")

	st, err := h.Status(context.Background(), DefaultStatusOptions())

	require.NoError(t, err)
	assert.Equal(t, ID("123"), st.TaskID)
	assert.Equal(t, []string{"done"}, st.Log)
	assert.Equal(t, 5*time.Second, st.Refresh())
}

func TestCancelAndReleaseOverHTTP(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `{"model":{"threadId":"42","running":false}}`)
			return
		}
		_, _ = io.WriteString(w, `{"model":null,"errors":[],"messages":["ok"]}`)
	}))
	defer ts.Close()

	client, err := store.New(ts.URL, ts.Client())
	require.NoError(t, err)
	h := New(client, "42")
	ctx := context.Background()

	require.NoError(t, h.Cancel(ctx))
	_, err = h.Status(ctx, DefaultStatusOptions())
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	assert.Equal(t, []string{
		"DELETE /api/task/42?cancel=true",
		"GET /api/task/42?keepalive=true&log=false",
		"DELETE /api/task/42?release=true",
	}, seen)
	assert.Equal(t, Cancelled, h.State())
	assert.True(t, h.Released())
}

func TestReleaseErrorLeavesHandleUnreleased(t *testing.T) {
	sender := &scriptedSender{responses: []store.Response{
		{Errors: []string{"failed: connection refused"}},
	}}
	h := New(sender, "8")

	err := h.Release(context.Background())

	require.Error(t, err)
	assert.False(t, h.Released())
}
