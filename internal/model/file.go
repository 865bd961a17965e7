// Package model contains the struct definitions shared across packages.
package model

import (
	"time"

	"github.com/hariprasadms/mediaharbor/internal/mediatype"
)

// FileStatus describes the conversion pipeline lifecycle of a file.
type FileStatus string

const (
	StatusPending     FileStatus = "pending"
	StatusQueued      FileStatus = "queued"
	StatusDownloading FileStatus = "downloading"
	StatusConverting  FileStatus = "converting"
	StatusUploading   FileStatus = "uploading"
	StatusCompleted   FileStatus = "completed"
	StatusFailed      FileStatus = "failed"
)

// ImportSource records where a file's bytes came from.
type ImportSource string

const (
	SourceUpload          ImportSource = "upload"
	SourceDirectURL       ImportSource = "direct_url"
	SourceThirdPartyVideo ImportSource = "third_party_video"
)

// MaxRetries is the per-file business-logic retry ceiling. It is counted on
// the record itself, independently of queue-level delivery attempts: the two
// answer different questions and can legitimately diverge.
const MaxRetries = 3

// FileRecord holds the metadata tracked for one physical asset.
type FileRecord struct {
	ID          string             `json:"id"`
	UserID      *string            `json:"userId,omitempty"`
	DisplayName string             `json:"displayName"`
	Size        int64              `json:"size"`
	MimeType    string             `json:"mimeType"`
	Category    mediatype.Category `json:"category"`

	OriginalFormat  string  `json:"originalFormat"`
	TargetFormat    *string `json:"targetFormat,omitempty"`
	NeedsConversion bool    `json:"needsConversion"`
	ConvertedSize   *int64  `json:"convertedSize,omitempty"`

	RawKey       string  `json:"-"`
	ProcessedKey *string `json:"-"`

	Source    ImportSource `json:"importSource"`
	SourceURL *string      `json:"sourceUrl,omitempty"`

	BatchID          *string `json:"batchId,omitempty"`
	NotifyOnComplete bool    `json:"notifyOnComplete"`

	Status       FileStatus `json:"status"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
	Progress     int        `json:"progress"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ConvertedAt *time.Time `json:"convertedAt,omitempty"`
	UploadedAt  *time.Time `json:"uploadedAt,omitempty"`
}

// Terminal reports whether the record is in a state from which no further
// automatic transition occurs: completed, or failed with no retries left.
func (f *FileRecord) Terminal() bool {
	if f.Status == StatusCompleted {
		return true
	}
	return f.Status == StatusFailed && f.RetryCount >= MaxRetries
}

// Active reports whether the file still counts against batch resolution.
// A failed file with remaining retries is active: an operator can requeue it.
func (f *FileRecord) Active() bool {
	switch f.Status {
	case StatusPending, StatusQueued, StatusDownloading, StatusConverting, StatusUploading:
		return true
	case StatusFailed:
		return f.RetryCount < MaxRetries
	}
	return false
}

// NotificationStatus is the lifecycle of a batch completion notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationRequest tracks the single completion email owed for a batch.
// There is at most one request per batch id; sent and failed are terminal.
type NotificationRequest struct {
	ID            string             `json:"id"`
	BatchID       string             `json:"batchId"`
	UserID        string             `json:"userId"`
	Recipient     string             `json:"recipient"`
	TotalFiles    int                `json:"totalFiles"`
	ReceivedFiles int                `json:"receivedFiles"`
	Status        NotificationStatus `json:"status"`
	SentAt        *time.Time         `json:"sentAt,omitempty"`
	LastError     *string            `json:"lastError,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}
