package engine

import (
	"io"
	"sync"
	"time"

	"github.com/franksops/filehub/store"
)

// CheckpointConfig defines when a TrackedWriter saves progress.
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been written.
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed.
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024,
	TimeInterval:  5 * time.Second,
}

// JobTracker journals deliveries into a store. A nil tracker records
// nothing, so receivers can run without a journal.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
}

// NewJobTracker creates a new JobTracker.
func NewJobTracker(s store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:  s,
		config: config,
	}
}

// InitJob records job as pending.
func (jt *JobTracker) InitJob(job TransferJob) error {
	if jt == nil {
		return nil
	}
	return jt.store.SaveRecord(&store.TransferRecord{
		ID:              job.ID,
		Flow:            job.Flow,
		FileName:        job.FileName,
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestinationPath,
		State:           store.StatePending,
		TotalBytes:      job.Size,
	})
}

func (jt *JobTracker) update(jobID string, fn func(*store.TransferRecord)) error {
	if jt == nil {
		return nil
	}
	rec, err := jt.store.GetRecord(jobID)
	if err != nil {
		return err
	}
	fn(rec)
	return jt.store.SaveRecord(rec)
}

// MarkInProgress updates a job's state to InProgress.
func (jt *JobTracker) MarkInProgress(jobID string) error {
	return jt.update(jobID, func(r *store.TransferRecord) {
		r.State = store.StateInProgress
	})
}

// MarkCompleted records the delivered byte count and completes the job.
func (jt *JobTracker) MarkCompleted(jobID string, bytes int64) error {
	return jt.update(jobID, func(r *store.TransferRecord) {
		r.State = store.StateCompleted
		r.Bytes = bytes
		r.Error = ""
	})
}

// MarkFailed updates a job's state to Failed with an error message.
func (jt *JobTracker) MarkFailed(jobID string, cause string) error {
	return jt.update(jobID, func(r *store.TransferRecord) {
		r.State = store.StateFailed
		r.Error = cause
	})
}

// TrackedWriter wraps an io.Writer to track bytes written and checkpoint
// progress into the journal.
type TrackedWriter struct {
	io.Writer
	tracker *JobTracker
	jobID   string

	mu              sync.Mutex
	bytesWritten    int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewTrackedWriter wraps w. With a nil tracker the writer only counts bytes.
func (jt *JobTracker) NewTrackedWriter(w io.Writer, jobID string) *TrackedWriter {
	return &TrackedWriter{
		Writer:          w,
		tracker:         jt,
		jobID:           jobID,
		lastCheckpointT: time.Now(),
	}
}

func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n == 0 || tw.tracker == nil {
		if n > 0 {
			tw.mu.Lock()
			tw.bytesWritten += int64(n)
			tw.mu.Unlock()
		}
		return n, err
	}

	tw.mu.Lock()
	tw.bytesWritten += int64(n)
	cfg := tw.tracker.config
	needsCheckpoint := tw.bytesWritten-tw.lastCheckpoint >= cfg.BytesInterval ||
		time.Since(tw.lastCheckpointT) >= cfg.TimeInterval
	current := tw.bytesWritten
	tw.mu.Unlock()

	if needsCheckpoint {
		tw.checkpoint(current)
	}
	return n, err
}

func (tw *TrackedWriter) checkpoint(bytes int64) {
	// progress saves are best effort
	err := tw.tracker.update(tw.jobID, func(r *store.TransferRecord) {
		r.Bytes = bytes
	})
	if err != nil {
		return
	}
	tw.mu.Lock()
	tw.lastCheckpoint = bytes
	tw.lastCheckpointT = time.Now()
	tw.mu.Unlock()
}

// BytesWritten returns the total number of bytes written.
func (tw *TrackedWriter) BytesWritten() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten
}
