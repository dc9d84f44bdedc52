package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Ack is the receiver's verdict on a batch.
type Ack struct {
	Success bool
	Reason  string
}

// Batch carries the records of one flow run from the sender to the
// receiver, and the receiver's acknowledgement back to the sender.
type Batch struct {
	ID uuid.UUID

	mu         sync.Mutex
	records    []*FileRecord
	sender     *SenderConfig
	standalone bool

	ackOnce sync.Once
	ack     Ack
	acked   chan struct{}
}

// NewBatch returns a batch that expects a receiver acknowledgement.
func NewBatch() *Batch {
	return &Batch{ID: uuid.New(), acked: make(chan struct{})}
}

// NewStandaloneBatch returns a batch for a sender running without a
// receiver; its sources are post-processed right after they are read.
func NewStandaloneBatch() *Batch {
	b := NewBatch()
	b.standalone = true
	return b
}

// Standalone reports whether no receiver is expected.
func (b *Batch) Standalone() bool {
	return b.standalone
}

// Add appends records in order.
func (b *Batch) Add(recs ...*FileRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, recs...)
}

// Records returns the records in the order the sender produced them.
func (b *Batch) Records() []*FileRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FileRecord(nil), b.records...)
}

// SenderConfig returns the configuration of the sender that filled the batch.
func (b *Batch) SenderConfig() *SenderConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sender
}

func (b *Batch) setSender(cfg SenderConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sender = &cfg
}

// Acknowledge records the receiver's verdict. Only the first call counts.
func (b *Batch) Acknowledge(a Ack) {
	b.ackOnce.Do(func() {
		b.ack = a
		close(b.acked)
	})
}

// Acknowledged returns the verdict without waiting.
func (b *Batch) Acknowledged() (Ack, bool) {
	select {
	case <-b.acked:
		return b.ack, true
	default:
		return Ack{}, false
	}
}

// Wait blocks until the batch is acknowledged or ctx ends.
func (b *Batch) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-b.acked:
		return b.ack, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}
