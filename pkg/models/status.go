package models

// JobStatus represents the lifecycle state of a crawl job
type JobStatus string

const (
	JobStatusUnset   JobStatus = ""        // Zero value = unset/unknown
	JobStatusPending JobStatus = "pending" // Job recorded, crawl not started
	JobStatusRunning JobStatus = "running" // Frontier is being processed
	JobStatusSuccess JobStatus = "success" // Crawl and persistence completed
	JobStatusFailed  JobStatus = "failed"  // Crawl aborted by an error
)

// String implements fmt.Stringer for logging
func (s JobStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSuccess, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true once a job can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// pending -> running -> success|failed, and pending -> failed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Classification is the change-detector verdict for one observed page
type Classification string

const (
	ClassNew       Classification = "new"
	ClassUpdated   Classification = "updated"
	ClassUnchanged Classification = "unchanged"
)

// Classify compares an observed fingerprint to the stored one. An empty
// stored value means the URL was never seen.
func Classify(stored, observed string) Classification {
	switch {
	case stored == "":
		return ClassNew
	case stored != observed:
		return ClassUpdated
	default:
		return ClassUnchanged
	}
}
