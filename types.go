package creditengine

import "time"

// JobKind identifies the kind of paid work a Job represents.
type JobKind string

const (
	KindTraining    JobKind = "training"
	KindSingleImage JobKind = "single_image"
	KindPackImage   JobKind = "pack_image"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindTraining, KindSingleImage, KindPackImage:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
//
//	reserved -> completed
//	reserved -> failed (refunded)
type JobStatus string

const (
	StatusReserved  JobStatus = "reserved"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of submitted paid work tracked for billing reconciliation.
type Job struct {
	ID                string    `json:"id"`
	ExternalRequestID string    `json:"external_request_id"`
	OwnerUserID       string    `json:"owner_user_id"`
	Kind              JobKind   `json:"kind"`
	ReservedCredits   int64     `json:"reserved_credits"`
	Status            JobStatus `json:"status"`
	BundleID          string    `json:"bundle_id,omitempty"`
	ArtifactURL       string    `json:"artifact_url,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// JobResult carries the fields written by a terminal transition.
type JobResult struct {
	ArtifactURL   string
	FailureReason string
}

// Orphan is an external job the provider accepted but this system failed to
// track. Operators reconcile these by hand.
type Orphan struct {
	ExternalRequestID string    `json:"external_request_id"`
	UserID            string    `json:"user_id"`
	Kind              JobKind   `json:"kind"`
	Credits           int64     `json:"credits"`
	Refunded          bool      `json:"refunded"`
	Reason            string    `json:"reason"`
	CreatedAt         time.Time `json:"created_at"`
}
