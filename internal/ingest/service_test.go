package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"annostore/internal/task"
	"annostore/internal/upload"
	"annostore/internal/upstream/store"
)

type fakeUploader struct {
	tasks     map[string]string
	err       error
	newOpts   *upload.NewItemOptions
	updateOpt *upload.UpdateItemOptions
}

func (f *fakeUploader) NewItem(_ context.Context, _ upload.Files, opts upload.NewItemOptions) (map[string]string, error) {
	f.newOpts = &opts
	return f.tasks, f.err
}

func (f *fakeUploader) UpdateItem(_ context.Context, _ upload.Files, opts upload.UpdateItemOptions) (map[string]string, error) {
	f.updateOpt = &opts
	return f.tasks, f.err
}

type fakeWaiter struct {
	status     task.Status
	err        error
	releaseErr error

	mu         sync.Mutex
	maxSeconds int
	released   bool
}

func (f *fakeWaiter) WaitFor(_ context.Context, maxSeconds int) (task.Status, error) {
	f.mu.Lock()
	f.maxSeconds = maxSeconds
	f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeWaiter) Release(context.Context) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
	return nil
}

func factory(waiters map[string]*fakeWaiter) HandleFactory {
	return func(id string) Waiter { return waiters[id] }
}

func testFiles() upload.Files {
	return upload.Files{Transcripts: []store.File{store.FileFrom(store.NewBytesSource("AP511.eaf", []byte("x")))}}
}

func TestProcessWithoutWaitReturnsTasks(t *testing.T) {
	up := &fakeUploader{tasks: map[string]string{"AP511.eaf": "1"}}
	svc := New(up, factory(nil), 30, nil)

	res, err := svc.Process(context.Background(), Input{Files: testFiles(), New: upload.NewItemOptions{Corpus: "UC"}})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Tasks["AP511.eaf"] != "1" {
		t.Fatalf("unexpected tasks: %+v", res.Tasks)
	}
	if len(res.Outcomes) != 0 {
		t.Fatalf("expected no outcomes without wait, got %+v", res.Outcomes)
	}
	if up.newOpts == nil || up.newOpts.Corpus != "UC" {
		t.Fatalf("expected new-item options to be forwarded, got %+v", up.newOpts)
	}
}

func TestProcessWaitsAndReleasesFinishedTasks(t *testing.T) {
	waiters := map[string]*fakeWaiter{
		"1": {status: task.Status{TaskID: "1", Running: false}},
		"2": {status: task.Status{TaskID: "2", Running: true}},
		"3": {err: errors.New("Invalid task ID: 3")},
	}
	up := &fakeUploader{tasks: map[string]string{"a.eaf": "1", "b.eaf": "2", "c.eaf": "3"}}
	svc := New(up, factory(waiters), 30, nil)

	res, err := svc.Process(context.Background(), Input{Files: testFiles(), Merge: true, Wait: true, Release: true})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if up.updateOpt == nil {
		t.Fatal("expected UpdateItem for merge")
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(res.Outcomes))
	}
	if res.Outcomes[0].Name != "a.eaf" || !res.Outcomes[0].Released {
		t.Fatalf("expected finished task to be released: %+v", res.Outcomes[0])
	}
	if res.Outcomes[1].Released || !res.Outcomes[1].Status.Running {
		t.Fatalf("running task must not be released: %+v", res.Outcomes[1])
	}
	if res.Outcomes[2].Err == nil {
		t.Fatalf("expected failed wait to be recorded: %+v", res.Outcomes[2])
	}
	if waiters["1"].maxSeconds != 30 {
		t.Fatalf("expected default wait budget, got %d", waiters["1"].maxSeconds)
	}
	if res.Finished() {
		t.Fatal("result with a running task must not report finished")
	}
}

func TestProcessUsesRequestWaitBudget(t *testing.T) {
	waiters := map[string]*fakeWaiter{"9": {status: task.Status{TaskID: "9"}}}
	svc := New(&fakeUploader{tasks: map[string]string{"a.eaf": "9"}}, factory(waiters), 30, nil)

	res, err := svc.Process(context.Background(), Input{Files: testFiles(), Wait: true, WaitSeconds: 5})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if waiters["9"].maxSeconds != 5 {
		t.Fatalf("expected request wait budget, got %d", waiters["9"].maxSeconds)
	}
	if waiters["9"].released {
		t.Fatal("release was not requested")
	}
	if !res.Finished() {
		t.Fatalf("expected finished result: %+v", res.Outcomes)
	}
}

func TestProcessReturnsUploadError(t *testing.T) {
	svc := New(&fakeUploader{err: errors.New("disk full")}, factory(nil), 0, nil)

	_, err := svc.Process(context.Background(), Input{Files: testFiles(), Wait: true})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected upload error, got %v", err)
	}
}
