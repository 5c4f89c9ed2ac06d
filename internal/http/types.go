package http

import (
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
	"github.com/fyrsmithlabs/lexconverge/internal/telemetry"
)

// CreateJobResponse is the response body for POST /api/v1/jobs.
type CreateJobResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// ListJobsResponse is the response body for GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs  []jobs.Summary `json:"jobs"`
	Total int            `json:"total"`
}

// AcceptedResponse is the response body for GET /api/v1/jobs/:id/accepted.
type AcceptedResponse struct {
	JobID      string                         `json:"job_id"`
	Threshold  int                            `json:"acceptance_threshold"`
	Total      int                            `json:"total"`
	References []reference.CanonicalReference `json:"references"`
}

// CancelResponse is the response body for DELETE /api/v1/jobs/:id.
type CancelResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"` // ok or degraded
	Version   string                  `json:"version,omitempty"`
	Events    string                  `json:"events"` // connected, disconnected or disabled
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}
