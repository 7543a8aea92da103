package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"study-ai/internal/models"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
)

// DefaultJobRetention is how long a finished job stays pollable.
const DefaultJobRetention = time.Hour

// GenerationJob tracks one background artifact generation that the client
// polls.
type GenerationJob struct {
	ID         string              `json:"jobId"`
	Kind       models.ArtifactKind `json:"kind"`
	DocumentID int64               `json:"documentId"`
	UserID     string              `json:"-"`
	Status     string              `json:"status"`
	Step       string              `json:"step,omitempty"`
	Message    string              `json:"message,omitempty"`
	Current    int                 `json:"current"`
	Total      int                 `json:"total"`
	Percent    int                 `json:"percent"`
	Result     any                 `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*GenerationJob
	retention time.Duration
	now       func() time.Time
}

// NewJobManager keeps finished jobs for retention before dropping them.
func NewJobManager(retention time.Duration) *JobManager {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobManager{
		jobs:      make(map[string]*GenerationJob),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *JobManager) CreateJob(kind models.ArtifactKind, owner models.Owner) (string, *GenerationJob) {
	now := m.now()
	job := &GenerationJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		DocumentID: owner.DocumentID,
		UserID:     owner.UserID,
		Status:     JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	m.sweepLocked(now)
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.ID, job.clone()
}

// GetJob returns a snapshot of the job when it belongs to userID.
func (m *JobManager) GetJob(id, userID string) (*GenerationJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok || job.UserID != userID || m.expired(job, m.now()) {
		return nil, false
	}
	return job.clone(), true
}

// sweepLocked drops finished jobs past retention. Callers hold mu.
func (m *JobManager) sweepLocked(now time.Time) {
	for id, job := range m.jobs {
		if m.expired(job, now) {
			delete(m.jobs, id)
		}
	}
}

func (m *JobManager) expired(job *GenerationJob, now time.Time) bool {
	finished := job.Status == JobStatusComplete || job.Status == JobStatusFailed
	return finished && now.Sub(job.UpdatedAt) > m.retention
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusProcessing
		job.Message = "Starting"
	})
}

func (m *JobManager) UpdateProgress(id string, step, message string, current, total int) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusProcessing
		job.Step = step
		job.Message = message
		job.Current = current
		job.Total = total
		job.Percent = percent(current, total)
	})
}

func (m *JobManager) MarkComplete(id string, result any) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusComplete
		job.Step = "complete"
		job.Message = "Generation complete"
		job.Percent = 100
		job.Result = result
		job.Error = ""
	})
}

func (m *JobManager) MarkFailed(id string, message string) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "generation error"
	}
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusFailed
		job.Step = "error"
		job.Message = msg
		job.Error = msg
	})
}

func (m *JobManager) withJob(id string, fn func(job *GenerationJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = m.now()
}

func (job *GenerationJob) clone() *GenerationJob {
	if job == nil {
		return nil
	}
	copyJob := *job
	return &copyJob
}

func percent(current, total int) int {
	if total <= 0 {
		if current <= 0 {
			return 0
		}
		if current > 100 {
			return 100
		}
		return current
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int((float64(current) / float64(total)) * 100)
}
