package workerpool

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"golang.org/x/xerrors"
)

func echoFunc(calls *int32) CompressFunc {
	return func(ctx context.Context, path string) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return []byte(path), nil
	}
}

func TestInlinePool(t *testing.T) {
	var calls int32
	p := New(1, echoFunc(&calls))
	jobs := []Job{{Index: 0, Path: "a"}, {Index: 1, Path: "b"}, {Index: 2, Path: "c"}}
	results, err := p.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestParallelPoolOrderIndependentButComplete(t *testing.T) {
	var calls int32
	p := New(4, echoFunc(&calls))

	const n = 50
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Index: i, Path: fmt.Sprintf("file-%d", i)}
	}

	results, err := p.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	for i, r := range results {
		if r.Index != i {
			t.Fatalf("result %d has index %d", i, r.Index)
		}
		if string(r.Wrapped) != fmt.Sprintf("file-%d", i) {
			t.Fatalf("result %d: got payload %q", i, r.Wrapped)
		}
	}
}

func TestParallelPoolAbortsOnFirstError(t *testing.T) {
	sentinel := xerrors.New("boom")
	fn := func(ctx context.Context, path string) ([]byte, error) {
		if path == "bad" {
			return nil, sentinel
		}
		return []byte(path), nil
	}
	p := New(4, fn)

	jobs := make([]Job, 0, 200)
	for i := 0; i < 100; i++ {
		jobs = append(jobs, Job{Index: i, Path: fmt.Sprintf("ok-%d", i)})
	}
	jobs = append(jobs, Job{Index: 100, Path: "bad"})
	for i := 101; i < 200; i++ {
		jobs = append(jobs, Job{Index: i, Path: fmt.Sprintf("ok-%d", i)})
	}

	_, err := p.Run(context.Background(), jobs)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !xerrors.Is(err, sentinel) {
		t.Fatalf("got error %v, want one wrapping %v", err, sentinel)
	}
}

func TestAutoTuneWorkers(t *testing.T) {
	timings := map[int]int64{1: 1000, 2: 400, 4: 250, 8: 600}
	best, err := AutoTuneWorkers([]int{1, 2, 4, 8}, func(w int) (int64, error) {
		return timings[w], nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if best != 4 {
		t.Fatalf("got best worker count %d, want 4", best)
	}
}

func TestAutoTuneWorkersPropagatesError(t *testing.T) {
	sentinel := xerrors.New("timing failed")
	_, err := AutoTuneWorkers([]int{1, 2}, func(w int) (int64, error) {
		if w == 2 {
			return 0, sentinel
		}
		return 100, nil
	})
	if !xerrors.Is(err, sentinel) {
		t.Fatalf("got error %v, want one wrapping %v", err, sentinel)
	}
}
