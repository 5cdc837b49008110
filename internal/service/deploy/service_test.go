package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/domainvault/vault/internal/domain"
	"github.com/domainvault/vault/internal/repository"
)

type stubSource struct {
	snapshot *domain.Snapshot
	versions map[int]*domain.Version
	files    map[int]map[string][]byte
}

func (s *stubSource) GetDomain(_ context.Context, name string) (*domain.Snapshot, error) {
	if s.snapshot == nil || s.snapshot.Domain.Name != name {
		return nil, repository.ErrNotFound
	}
	clone := *s.snapshot
	return &clone, nil
}

func (s *stubSource) GetVersion(_ context.Context, name string, number int) (*domain.Version, map[string][]byte, error) {
	if number <= 0 {
		number = s.snapshot.CurrentVersion
	}
	version, ok := s.versions[number]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	files := make(map[string][]byte, len(s.files[number]))
	for k, v := range s.files[number] {
		files[k] = append([]byte(nil), v...)
	}
	clone := *version
	return &clone, files, nil
}

type stubVersions struct {
	byID map[string]*domain.Version
}

func (s *stubVersions) CreateVersion(context.Context, *domain.Version, []domain.VersionFile) error {
	return errors.New("not implemented")
}

func (s *stubVersions) ImportVersion(context.Context, *domain.Version, []domain.VersionFile) error {
	return errors.New("not implemented")
}

func (s *stubVersions) GetLatestVersion(context.Context, string) (*domain.Version, error) {
	return nil, repository.ErrNotFound
}

func (s *stubVersions) GetVersionByNumber(context.Context, string, int) (*domain.Version, error) {
	return nil, repository.ErrNotFound
}

func (s *stubVersions) GetVersionByID(_ context.Context, id string) (*domain.Version, error) {
	v, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *v
	return &clone, nil
}

func (s *stubVersions) ListVersionsByDomain(context.Context, string, int) ([]domain.Version, error) {
	return nil, nil
}

func (s *stubVersions) ListVersionFiles(context.Context, string) ([]domain.VersionFile, error) {
	return nil, nil
}

func (s *stubVersions) CountVersions(context.Context) (int64, error) { return 0, nil }

type stubDeployments struct {
	records []*domain.Deployment
}

func (s *stubDeployments) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	clone := *d
	s.records = append(s.records, &clone)
	return nil
}

func (s *stubDeployments) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	for _, d := range s.records {
		if d.ID == update.DeploymentID && d.Status == domain.DeploymentPending {
			d.Status = update.Status
			d.Error = update.Error
			d.DeployedAt = update.DeployedAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *stubDeployments) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	for _, d := range s.records {
		if d.ID == id {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubDeployments) ListDeploymentsByDomain(_ context.Context, domainID, environment string, limit int) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		d := s.records[i]
		if d.DomainID != domainID {
			continue
		}
		if environment != "" && d.Environment != environment {
			continue
		}
		out = append(out, *d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubDeployments) ListSuccessfulDeployments(_ context.Context, domainID, environment string, limit int) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		d := s.records[i]
		if d.DomainID != domainID || d.Environment != environment || d.Status != domain.DeploymentSuccess {
			continue
		}
		out = append(out, *d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubDeployments) CountDeployments(context.Context) (int64, error) {
	return int64(len(s.records)), nil
}

type recordingHub struct {
	events []map[string]any
}

func (h *recordingHub) Broadcast(_ string, payload []byte) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err == nil {
		h.events = append(h.events, event)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixtures() (*stubSource, *stubVersions) {
	v1 := &domain.Version{ID: "version-1", DomainID: "domain-1", VersionNumber: 1, ContentHash: "hash-1"}
	v2 := &domain.Version{ID: "version-2", DomainID: "domain-1", VersionNumber: 2, ContentHash: "hash-2"}
	source := &stubSource{
		snapshot: &domain.Snapshot{
			Domain:         domain.Domain{ID: "domain-1", Name: "example.com"},
			CurrentVersion: 2,
			CurrentHash:    "hash-2",
		},
		versions: map[int]*domain.Version{1: v1, 2: v2},
		files: map[int]map[string][]byte{
			1: {"index.html": []byte("v1"), "assets/site.css": []byte("body{}")},
			2: {"index.html": []byte("v2")},
		},
	}
	versions := &stubVersions{byID: map[string]*domain.Version{"version-1": v1, "version-2": v2}}
	return source, versions
}

func TestDeployMaterializesFiles(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	hub := &recordingHub{}
	root := t.TempDir()
	svc := New(source, versions, deployments, hub, testLogger(), root, time.Minute)

	deployment, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if deployment.Status != domain.DeploymentSuccess {
		t.Fatalf("expected success, got %s", deployment.Status)
	}
	if deployment.DeployedAt == nil {
		t.Fatal("deployed_at must be set on success")
	}

	content, err := os.ReadFile(filepath.Join(root, "prod", "example.com", "index.html"))
	if err != nil {
		t.Fatalf("read materialized file: %v", err)
	}
	if string(content) != "v1" {
		t.Fatalf("unexpected content %q", content)
	}
	if _, err := os.Stat(filepath.Join(root, "prod", "example.com", "assets", "site.css")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}

	if len(hub.events) != 1 || hub.events[0]["status"] != domain.DeploymentSuccess {
		t.Fatalf("expected one success event, got %+v", hub.events)
	}
}

func TestDeployReplacesPreviousTree(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	root := t.TempDir()
	svc := New(source, versions, deployments, nil, testLogger(), root, time.Minute)

	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1}); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 2}); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}

	live := filepath.Join(root, "prod", "example.com")
	content, err := os.ReadFile(filepath.Join(live, "index.html"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "v2" {
		t.Fatalf("expected v2 content, got %q", content)
	}
	// v1's extra file must be gone after the swap.
	if _, err := os.Stat(filepath.Join(live, "assets", "site.css")); !os.IsNotExist(err) {
		t.Fatalf("stale file survived the swap: %v", err)
	}
}

func TestDeployFailureIsRecordedAndReturned(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	hub := &recordingHub{}
	root := t.TempDir()
	// Occupy the environment path with a file so directory creation fails.
	if err := os.WriteFile(filepath.Join(root, "prod"), []byte("in the way"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	svc := New(source, versions, deployments, hub, testLogger(), root, time.Minute)

	deployment, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1})
	if err == nil {
		t.Fatal("expected deploy error")
	}
	if deployment == nil || deployment.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed deployment record, got %+v", deployment)
	}
	if deployment.Error == "" {
		t.Fatal("failure reason must be persisted on the record")
	}

	stored, err := deployments.GetDeploymentByID(context.Background(), deployment.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Status != domain.DeploymentFailed || stored.Error == "" {
		t.Fatalf("stored record not settled: %+v", stored)
	}
	if len(hub.events) != 1 || hub.events[0]["status"] != domain.DeploymentFailed {
		t.Fatalf("expected one failure event, got %+v", hub.events)
	}
}

func TestDeployTimeout(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	svc := New(source, versions, deployments, nil, testLogger(), t.TempDir(), time.Nanosecond)

	deployment, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if deployment.Status != domain.DeploymentFailed {
		t.Fatalf("timed-out deployment must be failed, got %s", deployment.Status)
	}
}

func TestDeployRejectsInvalidEnvironment(t *testing.T) {
	source, versions := fixtures()
	svc := New(source, versions, &stubDeployments{}, nil, testLogger(), t.TempDir(), time.Minute)
	for _, env := range []string{"", "Prod", "has space", "-dash"} {
		if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: env, Version: 1}); err == nil {
			t.Errorf("expected error for environment %q", env)
		}
	}
}

func TestDeployConfinesTraversalNames(t *testing.T) {
	source, versions := fixtures()
	source.files[1]["../escape.txt"] = []byte("outside")
	deployments := &stubDeployments{}
	root := t.TempDir()
	svc := New(source, versions, deployments, nil, testLogger(), root, time.Minute)

	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "prod", "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal name escaped the deployment tree")
	}
}

func TestRollbackRedeploysPreviousSuccess(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	root := t.TempDir()
	svc := New(source, versions, deployments, nil, testLogger(), root, time.Minute)

	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 2}); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1}); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}

	rollback, err := svc.Rollback(context.Background(), "example.com", "prod")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rollback.VersionID != "version-2" {
		t.Fatalf("rollback must target the deployment before the current one, got %s", rollback.VersionID)
	}
	var metadata map[string]any
	if err := json.Unmarshal(rollback.Metadata, &metadata); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if metadata["rollback"] != true {
		t.Fatalf("rollback metadata missing: %+v", metadata)
	}

	content, err := os.ReadFile(filepath.Join(root, "prod", "example.com", "index.html"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "v2" {
		t.Fatalf("expected v2 restored, got %q", content)
	}
}

func TestRollbackWithoutHistory(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	svc := New(source, versions, deployments, nil, testLogger(), t.TempDir(), time.Minute)

	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := svc.Rollback(context.Background(), "example.com", "prod"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByEnvironment(t *testing.T) {
	source, versions := fixtures()
	deployments := &stubDeployments{}
	svc := New(source, versions, deployments, nil, testLogger(), t.TempDir(), time.Minute)

	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "prod", Version: 1}); err != nil {
		t.Fatalf("deploy prod: %v", err)
	}
	if _, err := svc.Deploy(context.Background(), Input{Domain: "example.com", Environment: "staging", Version: 2}); err != nil {
		t.Fatalf("deploy staging: %v", err)
	}

	all, err := svc.List(context.Background(), "example.com", "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(all))
	}
	prodOnly, err := svc.List(context.Background(), "example.com", "prod", 0)
	if err != nil {
		t.Fatalf("list prod: %v", err)
	}
	if len(prodOnly) != 1 || prodOnly[0].Environment != "prod" {
		t.Fatalf("unexpected prod list: %+v", prodOnly)
	}
}
