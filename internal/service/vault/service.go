package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/domainvault/vault/internal/blob"
	"github.com/domainvault/vault/internal/cache"
	"github.com/domainvault/vault/internal/crypto"
	"github.com/domainvault/vault/internal/domain"
	"github.com/domainvault/vault/internal/locks"
	"github.com/domainvault/vault/internal/repository"
)

// Exporter produces an encrypted archive for a domain. It is implemented
// by the backup service and attached after construction.
type Exporter interface {
	Export(ctx context.Context, domainName string) (*domain.BackupRecord, error)
}

// CreateDomainInput encapsulates domain registration attributes. Files are
// optional; when present they become version 1.
type CreateDomainInput struct {
	Name     string
	Metadata json.RawMessage
	Files    map[string][]byte
	Message  string
	Author   string
}

// AddVersionInput holds the content of a prospective version.
type AddVersionInput struct {
	Domain  string
	Files   map[string][]byte
	Message string
	Author  string
}

// Service owns domain registration and the versioned, encrypted store.
type Service struct {
	domains     repository.DomainRepository
	versions    repository.VersionRepository
	deployments repository.DeploymentRepository
	backups     repository.BackupRepository
	blobs       blob.Store
	keys        *crypto.Keyring
	cache       cache.DomainCache
	logger      *slog.Logger
	locks       *locks.KeyedMutex

	autoBackupEvery int
	exporter        Exporter
}

// New returns a vault service. autoBackupEvery <= 0 disables automatic
// backups.
func New(
	domains repository.DomainRepository,
	versions repository.VersionRepository,
	deployments repository.DeploymentRepository,
	backups repository.BackupRepository,
	blobs blob.Store,
	keys *crypto.Keyring,
	domainCache cache.DomainCache,
	logger *slog.Logger,
	autoBackupEvery int,
) *Service {
	if domainCache == nil {
		domainCache = cache.Noop{}
	}
	return &Service{
		domains:         domains,
		versions:        versions,
		deployments:     deployments,
		backups:         backups,
		blobs:           blobs,
		keys:            keys,
		cache:           domainCache,
		logger:          logger,
		locks:           locks.NewKeyedMutex(),
		autoBackupEvery: autoBackupEvery,
	}
}

// SetExporter attaches the backup exporter. Must be called before the
// service handles traffic.
func (s *Service) SetExporter(e Exporter) {
	s.exporter = e
}

var (
	errInvalidDomainName = errors.New("domain name must be lowercase letters, digits, dots or hyphens")
	errNoFiles           = errors.New("at least one file is required")
	errMissingDomain     = errors.New("domain name required")
)

var domainNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)

// CreateDomain registers a domain. When input carries files, they are
// stored as version 1 before returning.
func (s *Service) CreateDomain(ctx context.Context, input CreateDomainInput) (*domain.Domain, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if name == "" || len(name) > 253 || !domainNamePattern.MatchString(name) {
		return nil, errInvalidDomainName
	}

	now := time.Now().UTC()
	d := &domain.Domain{
		ID:        uuid.NewString(),
		Name:      name,
		Encrypted: true,
		Metadata:  input.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.domains.CreateDomain(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("domain created", "domain", name, "domain_id", d.ID)

	if len(input.Files) > 0 {
		if _, _, err := s.AddVersion(ctx, AddVersionInput{
			Domain:  name,
			Files:   input.Files,
			Message: input.Message,
			Author:  input.Author,
		}); err != nil {
			// Registration with files is all-or-nothing: undo the row so a
			// retry does not hit AlreadyExists for a domain with no content.
			if delErr := s.domains.DeleteDomain(ctx, d.ID); delErr != nil {
				s.logger.Error("orphaned domain cleanup failed", "domain", name, "error", delErr)
			}
			s.cache.Invalidate(ctx, name)
			return nil, err
		}
	}
	return d, nil
}

// AddVersion stores a new version of the domain's files. The call is
// idempotent: resubmitting content identical to the current version
// returns that version with created=false and writes nothing.
func (s *Service) AddVersion(ctx context.Context, input AddVersionInput) (*domain.Version, bool, error) {
	name := strings.ToLower(strings.TrimSpace(input.Domain))
	if name == "" {
		return nil, false, errMissingDomain
	}
	if len(input.Files) == 0 {
		return nil, false, errNoFiles
	}

	d, err := s.domains.GetDomainByName(ctx, name)
	if err != nil {
		return nil, false, err
	}

	contentHash := crypto.HashFiles(input.Files)
	key := s.keys.DomainKey(name)

	versionID := uuid.NewString()
	var sizeBytes int64
	files := make([]domain.VersionFile, 0, len(input.Files))
	for _, logical := range sortedNames(input.Files) {
		content := input.Files[logical]
		sizeBytes += int64(len(content))
		files = append(files, domain.VersionFile{
			VersionID: versionID,
			Name:      logical,
			SizeBytes: int64(len(content)),
		})
	}
	assignStoredNames(files)

	// Encryption is pure CPU work; do it before taking the domain lock so
	// the lock only covers the read-latest/assign-next/commit sequence.
	sealedFiles := make(map[string][]byte, len(files))
	for _, file := range files {
		sealed, err := crypto.Encrypt(input.Files[file.Name], key)
		if err != nil {
			return nil, false, fmt.Errorf("encrypt %s: %w", file.Name, err)
		}
		sealedFiles[file.StoredName] = sealed
	}

	// Writers for the same domain are serialized so version numbers and
	// parent hashes form a single chain.
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	latest, err := s.versions.GetLatestVersion(ctx, d.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	if latest != nil && latest.ContentHash == contentHash {
		return latest, false, nil
	}

	version := &domain.Version{
		ID:          versionID,
		DomainID:    d.ID,
		ContentHash: contentHash,
		Message:     input.Message,
		Author:      input.Author,
		SizeBytes:   sizeBytes,
		CreatedAt:   time.Now().UTC(),
	}
	if latest != nil {
		parent := latest.ContentHash
		version.ParentHash = &parent
	}

	// Stage every blob before touching the database; a failed write here
	// leaves orphaned blobs but never a version row pointing at nothing.
	for _, file := range files {
		if err := s.blobs.Put(ctx, name, contentHash, file.StoredName, sealedFiles[file.StoredName]); err != nil {
			return nil, false, fmt.Errorf("store %s: %w", file.Name, err)
		}
	}

	if err := s.versions.CreateVersion(ctx, version, files); err != nil {
		return nil, false, err
	}

	s.cache.Invalidate(ctx, name)
	s.cache.Set(ctx, snapshotFor(d, version))

	s.logger.Info("version stored",
		"domain", name,
		"version", version.VersionNumber,
		"hash", version.ContentHash,
		"files", len(files),
	)

	s.maybeAutoBackup(ctx, name, version.VersionNumber)
	return version, true, nil
}

func (s *Service) maybeAutoBackup(ctx context.Context, name string, versionNumber int) {
	if s.autoBackupEvery <= 0 || s.exporter == nil {
		return
	}
	if versionNumber%s.autoBackupEvery != 0 {
		return
	}
	record, err := s.exporter.Export(ctx, name)
	if err != nil {
		s.logger.Error("automatic backup failed", "domain", name, "version", versionNumber, "error", err)
		return
	}
	s.logger.Info("automatic backup written", "domain", name, "version", versionNumber, "path", record.Path)
}

// GetVersion loads and decrypts a version's files. number <= 0 selects the
// latest version. The decrypted content is re-hashed against the stored
// content hash, so a blob swapped on disk cannot go unnoticed.
func (s *Service) GetVersion(ctx context.Context, domainName string, number int) (*domain.Version, map[string][]byte, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if name == "" {
		return nil, nil, errMissingDomain
	}
	d, err := s.domains.GetDomainByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	var version *domain.Version
	if number <= 0 {
		version, err = s.versions.GetLatestVersion(ctx, d.ID)
	} else {
		version, err = s.versions.GetVersionByNumber(ctx, d.ID, number)
	}
	if err != nil {
		return nil, nil, err
	}

	fileRows, err := s.versions.ListVersionFiles(ctx, version.ID)
	if err != nil {
		return nil, nil, err
	}

	key := s.keys.DomainKey(name)
	files := make(map[string][]byte, len(fileRows))
	for _, file := range fileRows {
		sealed, err := s.blobs.Get(ctx, name, version.ContentHash, file.StoredName)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", file.Name, err)
		}
		content, err := crypto.Decrypt(sealed, key)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt %s: %w", file.Name, err)
		}
		files[file.Name] = content
	}

	if got := crypto.HashFiles(files); got != version.ContentHash {
		return nil, nil, fmt.Errorf("version %d content mismatch: %w", version.VersionNumber, crypto.ErrIntegrity)
	}
	return version, files, nil
}

// ListVersions enumerates a domain's versions newest first.
func (s *Service) ListVersions(ctx context.Context, domainName string, limit int) ([]domain.Version, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if name == "" {
		return nil, errMissingDomain
	}
	d, err := s.domains.GetDomainByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.versions.ListVersionsByDomain(ctx, d.ID, limit)
}

// GetDomain returns the domain snapshot, serving from cache when fresh.
func (s *Service) GetDomain(ctx context.Context, domainName string) (*domain.Snapshot, error) {
	name := strings.ToLower(strings.TrimSpace(domainName))
	if name == "" {
		return nil, errMissingDomain
	}
	if snapshot, ok := s.cache.Get(ctx, name); ok {
		return snapshot, nil
	}

	d, err := s.domains.GetDomainByName(ctx, name)
	if err != nil {
		return nil, err
	}
	latest, err := s.versions.GetLatestVersion(ctx, d.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	snapshot := snapshotFor(d, latest)
	s.cache.Set(ctx, snapshot)
	return &snapshot, nil
}

// ListDomains returns all registered domains.
func (s *Service) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	return s.domains.ListDomains(ctx)
}

// Stats reports vault-wide counts.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	var err error
	if stats.Domains, err = s.domains.CountDomains(ctx); err != nil {
		return domain.Stats{}, err
	}
	if stats.Versions, err = s.versions.CountVersions(ctx); err != nil {
		return domain.Stats{}, err
	}
	if stats.Deployments, err = s.deployments.CountDeployments(ctx); err != nil {
		return domain.Stats{}, err
	}
	if stats.LastBackupAt, err = s.backups.LastBackupTime(ctx); err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

func snapshotFor(d *domain.Domain, latest *domain.Version) domain.Snapshot {
	snapshot := domain.Snapshot{Domain: *d, RefreshedAt: time.Now().UTC()}
	if latest != nil {
		snapshot.CurrentVersion = latest.VersionNumber
		snapshot.CurrentHash = latest.ContentHash
	}
	return snapshot
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// assignStoredNames derives blob keys from logical filenames. Sanitization
// is lossy, so colliding names get a suffix from the logical name's hash
// to keep keys unique and deterministic.
func assignStoredNames(files []domain.VersionFile) {
	used := make(map[string]struct{}, len(files))
	for i := range files {
		stored := blob.SanitizeName(files[i].Name)
		if _, taken := used[stored]; taken {
			sum := sha256.Sum256([]byte(files[i].Name))
			stored = stored + "-" + hex.EncodeToString(sum[:4])
		}
		used[stored] = struct{}{}
		files[i].StoredName = stored
	}
}
