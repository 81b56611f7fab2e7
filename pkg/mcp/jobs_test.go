package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestJob(t *testing.T, jm *JobManager, tenantID string) *Job {
	t.Helper()
	job, created := jm.CreateJob(tenantID, "https://"+tenantID+".test")
	require.True(t, created)
	require.NotNil(t, job)
	return job
}

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()
	require.NotNil(t, jm)
	assert.Empty(t, jm.ListJobs())
}

func TestCreateJob(t *testing.T) {
	t.Run("new job fields correct", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "acme", job.TenantID)
		assert.Equal(t, "https://acme.test", job.Website)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.False(t, job.StartedAt.IsZero())
		assert.True(t, job.CompletedAt.IsZero())
		assert.Empty(t, job.ErrorMessage)
	})

	t.Run("active tenant returns existing job", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "acme")
		job2, created := jm.CreateJob("acme", "https://acme.test")
		assert.False(t, created)
		assert.Equal(t, job1.ID, job2.ID)
	})

	t.Run("new job allowed after completion", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job1.ID, JobStatusCompleted, "")

		job2 := createTestJob(t, jm, "acme")
		assert.NotEqual(t, job1.ID, job2.ID)
	})

	t.Run("different tenants independent", func(t *testing.T) {
		jm := NewJobManager()
		job1 := createTestJob(t, jm, "acme")
		job2 := createTestJob(t, jm, "globex")
		assert.NotEqual(t, job1.ID, job2.ID)
	})

	t.Run("returned job is a snapshot", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		job.Status = JobStatusFailed
		assert.Equal(t, JobStatusPending, jm.GetJob(job.ID).Status)
	})
}

func TestGetJob(t *testing.T) {
	jm := NewJobManager()

	t.Run("exists returns job", func(t *testing.T) {
		job := createTestJob(t, jm, "acme")
		got := jm.GetJob(job.ID)
		require.NotNil(t, got)
		assert.Equal(t, job.ID, got.ID)
	})

	t.Run("missing returns nil", func(t *testing.T) {
		assert.Nil(t, jm.GetJob("nonexistent-id"))
	})
}

func TestActiveJob(t *testing.T) {
	jm := NewJobManager()

	t.Run("exists returns job", func(t *testing.T) {
		job := createTestJob(t, jm, "acme")
		got := jm.ActiveJob("acme")
		require.NotNil(t, got)
		assert.Equal(t, job.ID, got.ID)
	})

	t.Run("missing returns nil", func(t *testing.T) {
		assert.Nil(t, jm.ActiveJob("nonexistent"))
	})

	t.Run("returns nil after completion", func(t *testing.T) {
		job := createTestJob(t, jm, "finished")
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.Nil(t, jm.ActiveJob("finished"))
	})
}

func TestIsRunning(t *testing.T) {
	tests := []struct {
		name   string
		finish func(jm *JobManager, id string)
		want   bool
	}{
		{"pending", func(*JobManager, string) {}, true},
		{"running", func(jm *JobManager, id string) { jm.UpdateStatus(id, JobStatusRunning, "") }, true},
		{"completed", func(jm *JobManager, id string) { jm.UpdateStatus(id, JobStatusCompleted, "") }, false},
		{"failed", func(jm *JobManager, id string) { jm.UpdateStatus(id, JobStatusFailed, "something broke") }, false},
		{"cancelled", func(jm *JobManager, id string) { jm.CancelJob(id) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			job := createTestJob(t, jm, "acme")
			tt.finish(jm, job.ID)
			assert.Equal(t, tt.want, jm.IsRunning("acme"))
		})
	}

	t.Run("nonexistent", func(t *testing.T) {
		assert.False(t, NewJobManager().IsRunning("ghost"))
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Run("to running", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job.ID, JobStatusRunning, "")
		assert.Equal(t, JobStatusRunning, jm.GetJob(job.ID).Status)
		assert.NoError(t, jm.Context(job.ID).Err())
	})

	t.Run("to completed sets CompletedAt and releases context", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")

		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusCompleted, got.Status)
		assert.False(t, got.CompletedAt.IsZero())
		assert.Nil(t, jm.ActiveJob("acme"))
		assert.Error(t, jm.Context(job.ID).Err())
	})

	t.Run("to failed sets ErrorMessage", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job.ID, JobStatusFailed, "root unreachable")

		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusFailed, got.Status)
		assert.Equal(t, "root unreachable", got.ErrorMessage)
	})

	t.Run("finished job is not reopened", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.CancelJob(job.ID)
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.Equal(t, JobStatusCancelled, jm.GetJob(job.ID).Status)
	})

	t.Run("nonexistent is no-op", func(t *testing.T) {
		jm := NewJobManager()
		jm.UpdateStatus("fake-id", JobStatusRunning, "")
		assert.Empty(t, jm.ListJobs())
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("running job cancelled", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job.ID, JobStatusRunning, "")

		assert.True(t, jm.CancelJob(job.ID))
		got := jm.GetJob(job.ID)
		assert.Equal(t, JobStatusCancelled, got.Status)
		assert.False(t, got.CompletedAt.IsZero())
		assert.Error(t, jm.Context(job.ID).Err())
	})

	t.Run("completed job not cancellable", func(t *testing.T) {
		jm := NewJobManager()
		job := createTestJob(t, jm, "acme")
		jm.UpdateStatus(job.ID, JobStatusCompleted, "")
		assert.False(t, jm.CancelJob(job.ID))
	})

	t.Run("nonexistent returns false", func(t *testing.T) {
		assert.False(t, NewJobManager().CancelJob("nope"))
	})
}

func TestCancelAll(t *testing.T) {
	jm := NewJobManager()
	job1 := createTestJob(t, jm, "acme")
	job2 := createTestJob(t, jm, "globex")
	job3 := createTestJob(t, jm, "initech")
	jm.UpdateStatus(job3.ID, JobStatusCompleted, "")

	jm.CancelAll()

	assert.Equal(t, JobStatusCancelled, jm.GetJob(job1.ID).Status)
	assert.Equal(t, JobStatusCancelled, jm.GetJob(job2.ID).Status)
	assert.Equal(t, JobStatusCompleted, jm.GetJob(job3.ID).Status)

	newJob := createTestJob(t, jm, "acme")
	assert.NotEqual(t, job1.ID, newJob.ID)
}

func TestListJobs_NewestFirst(t *testing.T) {
	jm := NewJobManager()
	first := createTestJob(t, jm, "a")
	time.Sleep(2 * time.Millisecond)
	second := createTestJob(t, jm, "b")

	jobs := jm.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestContext(t *testing.T) {
	jm := NewJobManager()
	job := createTestJob(t, jm, "acme")
	assert.NoError(t, jm.Context(job.ID).Err())
	assert.Equal(t, context.Background(), jm.Context("nope"))
}

func TestFinishedJobsExpire(t *testing.T) {
	jm := NewJobManager()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jm.now = func() time.Time { return clock }

	old := createTestJob(t, jm, "acme")
	jm.UpdateStatus(old.ID, JobStatusCompleted, "")
	active := createTestJob(t, jm, "globex")

	clock = clock.Add(finishedJobRetention - time.Minute)
	require.Len(t, jm.ListJobs(), 2, "within retention")

	clock = clock.Add(2 * time.Minute)
	jobs := jm.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, active.ID, jobs[0].ID, "active jobs never expire")
	assert.Nil(t, jm.GetJob(old.ID))

	jm.UpdateStatus(active.ID, JobStatusFailed, "boom")
	clock = clock.Add(finishedJobRetention + time.Second)
	fresh := createTestJob(t, jm, "initech")
	jobs = jm.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, fresh.ID, jobs[0].ID)
}
