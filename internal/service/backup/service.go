package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/domainvault/vault/internal/blob"
	"github.com/domainvault/vault/internal/crypto"
	"github.com/domainvault/vault/internal/domain"
	"github.com/domainvault/vault/internal/repository"
)

// archiveFormatVersion is bumped on any incompatible archive change.
const archiveFormatVersion = 1

// archive is the plaintext layout of a backup before sealing. It embeds
// the stored ciphertexts, so an archive plus the master key is enough to
// rebuild a domain from nothing.
type archive struct {
	FormatVersion int                 `json:"format_version"`
	CreatedAt     time.Time           `json:"created_at"`
	Domain        domain.Domain       `json:"domain"`
	Versions      []archiveVersion    `json:"versions"`
	Deployments   []domain.Deployment `json:"deployments"`
}

type archiveVersion struct {
	Version domain.Version `json:"version"`
	Files   []archiveFile  `json:"files"`
}

type archiveFile struct {
	Name       string `json:"name"`
	StoredName string `json:"stored_name"`
	SizeBytes  int64  `json:"size_bytes"`
	Blob       []byte `json:"blob"`
}

// ErrArchiveFormat indicates the file decrypted cleanly but is not a
// readable archive.
var ErrArchiveFormat = errors.New("backup: unsupported archive format")

// Service exports domains to encrypted archives and restores them.
type Service struct {
	domains     repository.DomainRepository
	versions    repository.VersionRepository
	deployments repository.DeploymentRepository
	backups     repository.BackupRepository
	blobs       blob.Store
	keys        *crypto.Keyring
	logger      *slog.Logger
	backupDir   string
}

// New returns a backup service writing archives under backupDir.
func New(
	domains repository.DomainRepository,
	versions repository.VersionRepository,
	deployments repository.DeploymentRepository,
	backups repository.BackupRepository,
	blobs blob.Store,
	keys *crypto.Keyring,
	logger *slog.Logger,
	backupDir string,
) *Service {
	return &Service{
		domains:     domains,
		versions:    versions,
		deployments: deployments,
		backups:     backups,
		blobs:       blobs,
		keys:        keys,
		logger:      logger,
		backupDir:   backupDir,
	}
}

// Export writes an encrypted archive of the domain's full history and
// records it.
func (s *Service) Export(ctx context.Context, domainName string) (*domain.BackupRecord, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	d, err := s.domains.GetDomainByName(ctx, name)
	if err != nil {
		return nil, err
	}

	versions, err := s.versions.ListVersionsByDomain(ctx, d.ID, 0)
	if err != nil {
		return nil, err
	}
	// Replay order: oldest version first.
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].VersionNumber < versions[j].VersionNumber
	})

	now := time.Now().UTC()
	payload := archive{
		FormatVersion: archiveFormatVersion,
		CreatedAt:     now,
		Domain:        *d,
	}
	for _, version := range versions {
		fileRows, err := s.versions.ListVersionFiles(ctx, version.ID)
		if err != nil {
			return nil, err
		}
		entry := archiveVersion{Version: version}
		for _, file := range fileRows {
			sealed, err := s.blobs.Get(ctx, name, version.ContentHash, file.StoredName)
			if err != nil {
				return nil, fmt.Errorf("read blob %s@%d: %w", file.Name, version.VersionNumber, err)
			}
			entry.Files = append(entry.Files, archiveFile{
				Name:       file.Name,
				StoredName: file.StoredName,
				SizeBytes:  file.SizeBytes,
				Blob:       sealed,
			})
		}
		payload.Versions = append(payload.Versions, entry)
	}

	payload.Deployments, err = s.deployments.ListDeploymentsByDomain(ctx, d.ID, "", 0)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	sealed, err := crypto.Encrypt(plaintext, s.keys.BackupKey())
	if err != nil {
		return nil, fmt.Errorf("seal archive: %w", err)
	}

	record := &domain.BackupRecord{
		ID:        uuid.NewString(),
		DomainID:  d.ID,
		SizeBytes: int64(len(sealed)),
		CreatedAt: now,
	}
	filename := fmt.Sprintf("%s-%s-%s.vault", name, now.Format("20060102T150405Z"), record.ID[:8])
	record.Path = filepath.Join(s.backupDir, filename)

	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.WriteFile(record.Path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	if err := s.backups.RecordBackup(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("backup exported",
		"domain", name, "path", record.Path,
		"versions", len(payload.Versions), "size_bytes", record.SizeBytes)
	return record, nil
}

// Restore rebuilds a domain from an archive file: domain row, every
// version with its blobs, and the deployment history. The domain must not
// already exist.
func (s *Service) Restore(ctx context.Context, path string) (*domain.Domain, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	plaintext, err := crypto.Decrypt(sealed, s.keys.BackupKey())
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	var payload archive
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveFormat, err)
	}
	if payload.FormatVersion != archiveFormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrArchiveFormat, payload.FormatVersion)
	}

	name := payload.Domain.Name
	if _, err := s.domains.GetDomainByName(ctx, name); err == nil {
		return nil, fmt.Errorf("domain %s exists: %w", name, repository.ErrAlreadyExists)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	d := payload.Domain
	if err := s.domains.CreateDomain(ctx, &d); err != nil {
		return nil, err
	}

	for _, entry := range payload.Versions {
		files := make([]domain.VersionFile, 0, len(entry.Files))
		for _, file := range entry.Files {
			if err := s.blobs.Put(ctx, name, entry.Version.ContentHash, file.StoredName, file.Blob); err != nil {
				return nil, fmt.Errorf("restore blob %s@%d: %w", file.Name, entry.Version.VersionNumber, err)
			}
			files = append(files, domain.VersionFile{
				VersionID:  entry.Version.ID,
				Name:       file.Name,
				StoredName: file.StoredName,
				SizeBytes:  file.SizeBytes,
			})
		}
		version := entry.Version
		if err := s.versions.ImportVersion(ctx, &version, files); err != nil {
			return nil, fmt.Errorf("restore version %d: %w", entry.Version.VersionNumber, err)
		}
	}

	for _, deployment := range payload.Deployments {
		record := deployment
		if err := s.deployments.CreateDeployment(ctx, &record); err != nil {
			return nil, fmt.Errorf("restore deployment %s: %w", deployment.ID, err)
		}
	}

	s.logger.Info("domain restored",
		"domain", name, "versions", len(payload.Versions), "deployments", len(payload.Deployments))
	return &d, nil
}

// RunScheduled exports every domain on the given interval until the
// context is canceled. Per-domain failures are logged and do not stop the
// sweep.
func (s *Service) RunScheduled(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	domains, err := s.domains.ListDomains(ctx)
	if err != nil {
		s.logger.Error("scheduled backup sweep failed", "error", err)
		return
	}
	for _, d := range domains {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Export(ctx, d.Name); err != nil {
			s.logger.Error("scheduled backup failed", "domain", d.Name, "error", err)
		}
	}
}
