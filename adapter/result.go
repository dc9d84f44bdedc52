package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/franksops/filehub/postprocess"
)

// Result is the outcome of one adapter invocation. It is not modified after
// Execute returns it.
type Result struct {
	Stage        string
	Succeeded    int
	Failed       int
	Skipped      int
	Bytes        int64
	Files        []FileOutcome
	Dispositions []postprocess.Outcome
	Message      string
	Duration     time.Duration
}

// OK reports whether no file failed.
func (r *Result) OK() bool {
	return r.Failed == 0
}

// Aggregator collects file outcomes from concurrent workers.
type Aggregator struct {
	stage string
	start time.Time

	mu       sync.Mutex
	outcomes []FileOutcome
	bytes    int64
}

// NewAggregator starts collecting outcomes for stage ("send" or "receive").
func NewAggregator(stage string, start time.Time) *Aggregator {
	return &Aggregator{stage: stage, start: start}
}

// Record adds one outcome. Bytes count only for successful files.
func (a *Aggregator) Record(o FileOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	if o.Status.Succeeded() {
		a.bytes += o.Size
	}
}

// Finish freezes the collected outcomes into a Result ordered by Index.
func (a *Aggregator) Finish(now time.Time) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	files := append([]FileOutcome(nil), a.outcomes...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Index < files[j].Index })

	r := &Result{
		Stage:    a.stage,
		Bytes:    a.bytes,
		Files:    files,
		Duration: now.Sub(a.start),
	}
	for _, f := range files {
		switch {
		case f.Status.Succeeded():
			r.Succeeded++
		case f.Status.Failed():
			r.Failed++
		default:
			r.Skipped++
		}
	}
	r.Message = fmt.Sprintf("%s: %d succeeded, %d failed, %d skipped, %d bytes",
		a.stage, r.Succeeded, r.Failed, r.Skipped, r.Bytes)
	return r
}
