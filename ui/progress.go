package ui

import (
	"sort"
	"sync"
	"time"

	"github.com/franksops/filehub/adapter"
)

// ActiveTransfer is a file currently being read or delivered.
type ActiveTransfer struct {
	Stage string
	File  string
	Since time.Time
}

// State is a snapshot of the transfer activity of all flows.
type State struct {
	Read           int
	Delivered      int
	Failed         int
	Skipped        int
	ReadBytes      int64
	DeliveredBytes int64
	// DroppedBytes were read but failed or were skipped on delivery.
	DroppedBytes int64
	Active       []ActiveTransfer
	// Throughput is delivered bytes per second since the first transfer.
	Throughput float64
	Runs       int
	FailedRuns int
	LastFlow   string
	Done       bool
}

// Pending is the number of bytes read but not yet delivered, failed or
// skipped.
func (s State) Pending() int64 {
	if p := s.ReadBytes - s.DeliveredBytes - s.DroppedBytes; p > 0 {
		return p
	}
	return 0
}

// Progress collects adapter events for the TUI. It is safe for concurrent
// use and can be registered as an adapter observer.
type Progress struct {
	now func() time.Time

	mu      sync.Mutex
	state   State
	started time.Time
	active  map[string]ActiveTransfer
}

var _ adapter.Observer = (*Progress)(nil)

// NewProgress returns an empty tracker.
func NewProgress() *Progress {
	return &Progress{now: time.Now, active: make(map[string]ActiveTransfer)}
}

func activeKey(stage, file string) string {
	return stage + "\x00" + file
}

// TransferStarted implements adapter.Observer.
func (p *Progress) TransferStarted(stage, file string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.started.IsZero() {
		p.started = now
	}
	p.active[activeKey(stage, file)] = ActiveTransfer{Stage: stage, File: file, Since: now}
}

// TransferFinished implements adapter.Observer.
func (p *Progress) TransferFinished(stage string, outcome adapter.FileOutcome, _ time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, activeKey(stage, outcome.Name))

	status := outcome.Status
	switch {
	case status.Succeeded() && stage == adapter.StageSend:
		p.state.Read++
		p.state.ReadBytes += outcome.Size
	case status.Succeeded():
		p.state.Delivered++
		p.state.DeliveredBytes += outcome.Size
	case status.Failed():
		p.state.Failed++
	default:
		p.state.Skipped++
	}
	if !status.Succeeded() && stage == adapter.StageReceive {
		p.state.DroppedBytes += outcome.Size
	}
}

// RunFinished records the end of a flow run.
func (p *Progress) RunFinished(flow string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Runs++
	if !ok {
		p.state.FailedRuns++
	}
	p.state.LastFlow = flow
}

// Finish marks the tracker done; the TUI exits on the next refresh.
func (p *Progress) Finish() {
	p.mu.Lock()
	p.state.Done = true
	p.mu.Unlock()
}

// Snapshot returns the current state. Active transfers are ordered oldest
// first.
func (p *Progress) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.state
	s.Active = make([]ActiveTransfer, 0, len(p.active))
	for _, a := range p.active {
		s.Active = append(s.Active, a)
	}
	sort.Slice(s.Active, func(i, j int) bool {
		if s.Active[i].Since.Equal(s.Active[j].Since) {
			return s.Active[i].File < s.Active[j].File
		}
		return s.Active[i].Since.Before(s.Active[j].Since)
	})

	if !p.started.IsZero() {
		if elapsed := p.now().Sub(p.started).Seconds(); elapsed > 0 {
			s.Throughput = float64(s.DeliveredBytes) / elapsed
		}
	}
	return s
}
