package engine

import (
	"context"
)

// Job is a unit of blocking work (a listing, a read, a remote put) run by a
// WorkerPool.
type Job struct {
	// Name identifies the job in logs and metrics.
	Name string

	// Run performs the work. The context is cancelled when the pool stops.
	Run func(ctx context.Context) error
}

// TransferJob describes one file delivery journaled by a JobTracker.
type TransferJob struct {
	// ID is unique per delivery, usually the FileRecord id.
	ID string

	// Flow names the flow the delivery belongs to.
	Flow string

	// FileName is the output name at the destination.
	FileName string

	// SourcePath is where the content was read from.
	SourcePath string

	// DestinationPath is the final path at the destination.
	DestinationPath string

	// Size is the expected number of bytes.
	Size int64
}
