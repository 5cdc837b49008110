package domain

import (
	"encoding/json"
	"time"
)

// Deployment lifecycle states. A deployment starts pending and moves to
// exactly one terminal state.
const (
	DeploymentPending = "pending"
	DeploymentSuccess = "success"
	DeploymentFailed  = "failed"
)

// Deployment captures a single promotion of a version to an environment.
type Deployment struct {
	ID          string
	DomainID    string
	VersionID   string
	Environment string
	Status      string
	Error       string
	Metadata    json.RawMessage
	CreatedAt   time.Time
	DeployedAt  *time.Time
	UpdatedAt   time.Time
}

// DeploymentStatusUpdate captures the mutable fields of a deployment.
// Status transitions happen exactly once; history is never rewritten.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	Error        string
	Metadata     json.RawMessage
	DeployedAt   *time.Time
}
