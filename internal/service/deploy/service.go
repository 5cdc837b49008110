package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/domainvault/vault/internal/blob"
	"github.com/domainvault/vault/internal/domain"
	"github.com/domainvault/vault/internal/locks"
	"github.com/domainvault/vault/internal/repository"
)

// VersionSource resolves domains and decrypted version content. Implemented
// by the vault service.
type VersionSource interface {
	GetDomain(ctx context.Context, name string) (*domain.Snapshot, error)
	GetVersion(ctx context.Context, name string, number int) (*domain.Version, map[string][]byte, error)
}

// Broadcaster pushes deployment events to streaming subscribers.
type Broadcaster interface {
	Broadcast(domain string, payload []byte)
}

// Input describes a deployment request. Version <= 0 deploys the latest
// version.
type Input struct {
	Domain      string
	Environment string
	Version     int
	Metadata    json.RawMessage
}

// Service promotes vault versions to environment directories and keeps the
// deployment history.
type Service struct {
	source      VersionSource
	versions    repository.VersionRepository
	deployments repository.DeploymentRepository
	hub         Broadcaster
	logger      *slog.Logger
	deployRoot  string
	timeout     time.Duration
	locks       *locks.KeyedMutex
}

// New returns a deploy service. timeout bounds a single materialization;
// zero falls back to two minutes.
func New(
	source VersionSource,
	versions repository.VersionRepository,
	deployments repository.DeploymentRepository,
	hub Broadcaster,
	logger *slog.Logger,
	deployRoot string,
	timeout time.Duration,
) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		source:      source,
		versions:    versions,
		deployments: deployments,
		hub:         hub,
		logger:      logger,
		deployRoot:  deployRoot,
		timeout:     timeout,
		locks:       locks.NewKeyedMutex(),
	}
}

var (
	errInvalidEnvironment = errors.New("environment must be lowercase letters, digits or hyphens")
	errNothingToRollBack  = errors.New("no earlier successful deployment to roll back to")
)

var environmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Deploy records a pending deployment, materializes the version's decrypted
// files under the environment directory, and settles the record to success
// or failed exactly once. The failure reason is both persisted and returned.
func (s *Service) Deploy(ctx context.Context, input Input) (*domain.Deployment, error) {
	name := strings.ToLower(strings.TrimSpace(input.Domain))
	env := strings.ToLower(strings.TrimSpace(input.Environment))
	if !environmentPattern.MatchString(env) {
		return nil, errInvalidEnvironment
	}

	snapshot, err := s.source.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	version, files, err := s.source.GetVersion(ctx, name, input.Version)
	if err != nil {
		return nil, err
	}

	// One deployment at a time per (domain, environment) target.
	lockKey := name + "|" + env
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:          uuid.NewString(),
		DomainID:    snapshot.Domain.ID,
		VersionID:   version.ID,
		Environment: env,
		Status:      domain.DeploymentPending,
		Metadata:    input.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.materialize(runCtx, name, env, files); err != nil {
		return s.settle(ctx, deployment, name, version.VersionNumber, err)
	}
	return s.settle(ctx, deployment, name, version.VersionNumber, nil)
}

// settle moves the deployment to its terminal state and emits the event.
func (s *Service) settle(ctx context.Context, deployment *domain.Deployment, name string, versionNumber int, cause error) (*domain.Deployment, error) {
	update := domain.DeploymentStatusUpdate{DeploymentID: deployment.ID}
	if cause == nil {
		deployedAt := time.Now().UTC()
		update.Status = domain.DeploymentSuccess
		update.DeployedAt = &deployedAt
		deployment.DeployedAt = &deployedAt
	} else {
		update.Status = domain.DeploymentFailed
		update.Error = cause.Error()
		deployment.Error = cause.Error()
	}
	deployment.Status = update.Status

	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("deployment status update failed",
			"deployment_id", deployment.ID, "status", update.Status, "error", err)
		if cause == nil {
			cause = err
			deployment.Status = domain.DeploymentFailed
			deployment.Error = err.Error()
		}
	}

	s.emit(name, deployment, versionNumber)
	if cause != nil {
		s.logger.Warn("deployment failed",
			"domain", name, "environment", deployment.Environment,
			"deployment_id", deployment.ID, "error", cause)
		return deployment, cause
	}
	s.logger.Info("deployment succeeded",
		"domain", name, "environment", deployment.Environment,
		"deployment_id", deployment.ID, "version", versionNumber)
	return deployment, nil
}

func (s *Service) emit(name string, deployment *domain.Deployment, versionNumber int) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":          "deployment",
		"domain":        name,
		"environment":   deployment.Environment,
		"deployment_id": deployment.ID,
		"version":       versionNumber,
		"status":        deployment.Status,
		"error":         deployment.Error,
		"at":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(name, payload)
}

// materialize writes the decrypted files into a staging directory and swaps
// it over the live target, so readers never see a half-written tree.
func (s *Service) materialize(ctx context.Context, name, env string, files map[string][]byte) error {
	envDir := filepath.Join(s.deployRoot, env)
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return fmt.Errorf("create environment dir: %w", err)
	}
	staging, err := os.MkdirTemp(envDir, "."+name+".staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for logical, content := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, ok := safeRelPath(logical)
		if !ok {
			rel = blob.SanitizeName(logical)
		}
		target := filepath.Join(staging, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", logical, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", logical, err)
		}
	}

	live := filepath.Join(envDir, name)
	previous := live + ".previous"
	_ = os.RemoveAll(previous)
	if err := os.Rename(live, previous); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retire previous tree: %w", err)
	}
	if err := os.Rename(staging, live); err != nil {
		// Put the old tree back so the environment is not left empty.
		_ = os.Rename(previous, live)
		return fmt.Errorf("activate new tree: %w", err)
	}
	_ = os.RemoveAll(previous)
	return nil
}

// safeRelPath reports whether logical is usable as a relative path inside
// the deployment tree, returning its cleaned form.
func safeRelPath(logical string) (string, bool) {
	if logical == "" || strings.Contains(logical, "\x00") {
		return "", false
	}
	cleaned := filepath.Clean(filepath.FromSlash(logical))
	if filepath.IsAbs(cleaned) || cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	return cleaned, true
}

// Rollback deploys the previous successful version for the environment: the
// most recent success is what is live now, so the one before it is the
// rollback target. The rollback itself is an ordinary new deployment.
func (s *Service) Rollback(ctx context.Context, domainName, environment string) (*domain.Deployment, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	env := strings.ToLower(strings.TrimSpace(environment))
	if !environmentPattern.MatchString(env) {
		return nil, errInvalidEnvironment
	}

	snapshot, err := s.source.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	history, err := s.deployments.ListSuccessfulDeployments(ctx, snapshot.Domain.ID, env, 2)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, fmt.Errorf("%w: %w", errNothingToRollBack, repository.ErrNotFound)
	}
	target := history[1]

	version, err := s.versions.GetVersionByID(ctx, target.VersionID)
	if err != nil {
		return nil, err
	}

	metadata, _ := json.Marshal(map[string]any{"rollback": true, "from": target.ID})
	return s.Deploy(ctx, Input{
		Domain:      name,
		Environment: env,
		Version:     version.VersionNumber,
		Metadata:    metadata,
	})
}

// List returns deployment history for a domain, optionally filtered by
// environment.
func (s *Service) List(ctx context.Context, domainName, environment string, limit int) ([]domain.Deployment, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	snapshot, err := s.source.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByDomain(ctx, snapshot.Domain.ID, strings.ToLower(strings.TrimSpace(environment)), limit)
}
