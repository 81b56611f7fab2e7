package mcp

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the in-process state of a crawl started from this server
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job tracks one background crawl. Its ID is also the crawl job id in the job log.
type Job struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Website      string    `json:"website"`
	Status       JobStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

// finishedJobRetention is how long a finished job stays queryable here.
// The job log keeps it after that.
const finishedJobRetention = 24 * time.Hour

// JobManager tracks background crawls and allows one active crawl per tenant
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	byTenant  map[string]string // tenantID -> active job id
	retention time.Duration
	now       func() time.Time
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[string]*Job),
		byTenant:  make(map[string]string),
		retention: finishedJobRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// prune drops finished jobs older than the retention window. Callers hold mu.
func (m *JobManager) prune() {
	cutoff := m.now().Add(-m.retention)
	for id, job := range m.jobs {
		if !job.Status.active() && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

// CreateJob registers a pending crawl for the tenant. If one is already
// pending or running, that job is returned with created false.
func (m *JobManager) CreateJob(tenantID, website string) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	if id, ok := m.byTenant[tenantID]; ok {
		if existing := m.jobs[id]; existing != nil && existing.Status.active() {
			snapshot := *existing
			return &snapshot, false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job = &Job{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Website:   website,
		Status:    JobStatusPending,
		StartedAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[job.ID] = job
	m.byTenant[tenantID] = job.ID
	snapshot := *job
	return &snapshot, true
}

// GetJob returns a copy of the job, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		snapshot := *job
		return &snapshot
	}
	return nil
}

// ActiveJob returns a copy of the tenant's pending or running job, or nil
func (m *JobManager) ActiveJob(tenantID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byTenant[tenantID]; ok {
		if job := m.jobs[id]; job != nil && job.Status.active() {
			snapshot := *job
			return &snapshot
		}
	}
	return nil
}

// IsRunning reports whether the tenant has an active job
func (m *JobManager) IsRunning(tenantID string) bool {
	return m.ActiveJob(tenantID) != nil
}

// UpdateStatus moves an active job to status. Finished jobs are left as they are.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !job.Status.active() {
		return
	}
	job.Status = status
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
	if !status.active() {
		job.CompletedAt = m.now()
		job.cancel()
		delete(m.byTenant, job.TenantID)
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !job.Status.active() {
		return false
	}
	job.cancel()
	job.Status = JobStatusCancelled
	job.CompletedAt = m.now()
	delete(m.byTenant, job.TenantID)
	return true
}

// CancelAll cancels every active job
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = m.now()
		}
	}
	clear(m.byTenant)
}

// ListJobs returns copies of the active and recently finished jobs, newest first
func (m *JobManager) ListJobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

// Context returns the cancellation context of a job
func (m *JobManager) Context(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.ctx
	}
	return context.Background()
}
