package adapter

import (
	"time"

	"github.com/google/uuid"
)

// Status tags the state of one file within an adapter invocation.
type Status string

const (
	StatusReadSuccess        Status = "READ_SUCCESS"
	StatusReadFailed         Status = "READ_FAILED"
	StatusDownloaded         Status = "DOWNLOADED"
	StatusUploaded           Status = "UPLOADED"
	StatusWritten            Status = "WRITTEN"
	StatusVerificationFailed Status = "VERIFICATION_FAILED"
	StatusUploadError        Status = "UPLOAD_ERROR"
	StatusValidationFailed   Status = "VALIDATION_FAILED"
	StatusSkipped            Status = "SKIPPED"
)

// Succeeded reports whether s is a terminal success state.
func (s Status) Succeeded() bool {
	switch s {
	case StatusReadSuccess, StatusDownloaded, StatusUploaded, StatusWritten:
		return true
	}
	return false
}

// Failed reports whether s counts as an error in the batch result.
func (s Status) Failed() bool {
	switch s {
	case StatusReadFailed, StatusVerificationFailed, StatusUploadError, StatusValidationFailed:
		return true
	}
	return false
}

// FileRecord is one file read by a sender and handed to a receiver. It is
// not modified once the sender has added it to a batch.
type FileRecord struct {
	ID       uuid.UUID
	Name     string
	Path     string
	Size     int64
	Content  []byte
	ReadAt   time.Time
	Checksum uint64
	Status   Status
}

// FileOutcome is the per-file entry of a Result.
type FileOutcome struct {
	// Index is the position of the file in discovery order.
	Index   int
	ID      uuid.UUID
	Name    string
	Path    string
	Target  string
	Size    int64
	Status  Status
	Message string
}
