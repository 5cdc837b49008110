package repository

import (
	"context"
	"time"

	"github.com/domainvault/vault/internal/domain"
)

// DomainRepository persists domain metadata.
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.Domain) error
	GetDomainByName(ctx context.Context, name string) (*domain.Domain, error)
	GetDomainByID(ctx context.Context, id string) (*domain.Domain, error)
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	CountDomains(ctx context.Context) (int64, error)
	// DeleteDomain removes the domain row and, via cascade, anything
	// referencing it. Used to undo a registration whose initial version
	// could not be stored.
	DeleteDomain(ctx context.Context, id string) error
}

// VersionRepository persists immutable version snapshots.
type VersionRepository interface {
	// CreateVersion assigns the next version number for the domain and
	// inserts the record plus its file mapping in one transaction. The
	// assigned number and timestamps are written back to version.
	CreateVersion(ctx context.Context, version *domain.Version, files []domain.VersionFile) error
	// ImportVersion inserts a version exactly as given, preserving its
	// number and timestamps. Used by restore.
	ImportVersion(ctx context.Context, version *domain.Version, files []domain.VersionFile) error
	GetLatestVersion(ctx context.Context, domainID string) (*domain.Version, error)
	GetVersionByNumber(ctx context.Context, domainID string, number int) (*domain.Version, error)
	GetVersionByID(ctx context.Context, id string) (*domain.Version, error)
	ListVersionsByDomain(ctx context.Context, domainID string, limit int) ([]domain.Version, error)
	ListVersionFiles(ctx context.Context, versionID string) ([]domain.VersionFile, error)
	CountVersions(ctx context.Context) (int64, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	// ListDeploymentsByDomain returns deployments newest first. An empty
	// environment matches all environments; limit <= 0 means no limit.
	ListDeploymentsByDomain(ctx context.Context, domainID, environment string, limit int) ([]domain.Deployment, error)
	// ListSuccessfulDeployments returns status=success deployments for the
	// (domain, environment) pair, newest first.
	ListSuccessfulDeployments(ctx context.Context, domainID, environment string, limit int) ([]domain.Deployment, error)
	CountDeployments(ctx context.Context) (int64, error)
}

// BackupRepository tracks exported archives.
type BackupRepository interface {
	RecordBackup(ctx context.Context, record *domain.BackupRecord) error
	LastBackupTime(ctx context.Context) (*time.Time, error)
}
