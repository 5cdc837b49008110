package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/domainvault/vault/internal/domain"
	"github.com/domainvault/vault/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DomainRepository     = (*Repository)(nil)
	_ repository.VersionRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.BackupRepository     = (*Repository)(nil)
)

// CreateDomain inserts a domain row.
func (r *Repository) CreateDomain(ctx context.Context, d *domain.Domain) error {
	const query = `INSERT INTO domains (id, name, encrypted, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.Name, d.Encrypted, bytesToNil(d.Metadata), d.CreatedAt, d.UpdatedAt)
	return mapPgError(err)
}

// GetDomainByName fetches a domain by its unique name.
func (r *Repository) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	const query = `SELECT id, name, encrypted, metadata, created_at, updated_at FROM domains WHERE name = $1`
	return r.scanDomain(r.pool.QueryRow(ctx, query, name))
}

// GetDomainByID fetches a domain by identifier.
func (r *Repository) GetDomainByID(ctx context.Context, id string) (*domain.Domain, error) {
	const query = `SELECT id, name, encrypted, metadata, created_at, updated_at FROM domains WHERE id = $1`
	return r.scanDomain(r.pool.QueryRow(ctx, query, id))
}

// DeleteDomain removes a domain row; child rows go with it via cascade.
func (r *Repository) DeleteDomain(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM domains WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) scanDomain(row pgx.Row) (*domain.Domain, error) {
	var (
		d        domain.Domain
		metadata []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Encrypted, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		d.Metadata = append([]byte(nil), metadata...)
	}
	return &d, nil
}

// ListDomains returns all domains ordered by name.
func (r *Repository) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	const query = `SELECT id, name, encrypted, metadata, created_at, updated_at FROM domains ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]domain.Domain, 0)
	for rows.Next() {
		var (
			d        domain.Domain
			metadata []byte
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Encrypted, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			d.Metadata = append([]byte(nil), metadata...)
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// CountDomains counts registered domains.
func (r *Repository) CountDomains(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM domains`)
}

// CreateVersion assigns the next version number under a row lock on the
// domain and inserts the version plus its file mapping in one transaction.
// The domain's updated_at moves with the new version.
func (r *Repository) CreateVersion(ctx context.Context, version *domain.Version, files []domain.VersionFile) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lockedID string
	if err := tx.QueryRow(ctx, `SELECT id FROM domains WHERE id = $1 FOR UPDATE`, version.DomainID).Scan(&lockedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM versions WHERE domain_id = $1`,
		version.DomainID,
	).Scan(&next); err != nil {
		return err
	}

	const versionInsert = `INSERT INTO versions (id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, versionInsert,
		version.ID,
		version.DomainID,
		next,
		version.ContentHash,
		stringPtrToNil(version.ParentHash),
		version.Message,
		version.Author,
		version.SizeBytes,
		version.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}

	if err := insertVersionFiles(ctx, tx, files); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE domains SET updated_at = $2 WHERE id = $1`, version.DomainID, version.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	version.VersionNumber = next
	return nil
}

// ImportVersion inserts a version exactly as given, preserving number and
// timestamps. Used when replaying a backup archive.
func (r *Repository) ImportVersion(ctx context.Context, version *domain.Version, files []domain.VersionFile) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const versionInsert = `INSERT INTO versions (id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, versionInsert,
		version.ID,
		version.DomainID,
		version.VersionNumber,
		version.ContentHash,
		stringPtrToNil(version.ParentHash),
		version.Message,
		version.Author,
		version.SizeBytes,
		version.CreatedAt,
	); err != nil {
		return mapPgError(err)
	}

	if err := insertVersionFiles(ctx, tx, files); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertVersionFiles(ctx context.Context, tx pgx.Tx, files []domain.VersionFile) error {
	if len(files) == 0 {
		return nil
	}
	const fileInsert = `INSERT INTO version_files (version_id, filename, stored_name, size_bytes)
		VALUES ($1, $2, $3, $4)`
	batch := &pgx.Batch{}
	for _, file := range files {
		batch.Queue(fileInsert, file.VersionID, file.Name, file.StoredName, file.SizeBytes)
	}
	br := tx.SendBatch(ctx, batch)
	for range files {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapPgError(err)
		}
	}
	return br.Close()
}

// GetLatestVersion loads the most recent version for a domain.
func (r *Repository) GetLatestVersion(ctx context.Context, domainID string) (*domain.Version, error) {
	const query = `SELECT id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at
		FROM versions WHERE domain_id = $1 ORDER BY version_number DESC LIMIT 1`
	return r.scanVersion(r.pool.QueryRow(ctx, query, domainID))
}

// GetVersionByNumber loads a specific version for a domain.
func (r *Repository) GetVersionByNumber(ctx context.Context, domainID string, number int) (*domain.Version, error) {
	const query = `SELECT id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at
		FROM versions WHERE domain_id = $1 AND version_number = $2`
	return r.scanVersion(r.pool.QueryRow(ctx, query, domainID, number))
}

// GetVersionByID loads a version by identifier.
func (r *Repository) GetVersionByID(ctx context.Context, id string) (*domain.Version, error) {
	const query = `SELECT id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at
		FROM versions WHERE id = $1`
	return r.scanVersion(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanVersion(row pgx.Row) (*domain.Version, error) {
	var (
		v          domain.Version
		parentHash sql.NullString
	)
	if err := row.Scan(&v.ID, &v.DomainID, &v.VersionNumber, &v.ContentHash, &parentHash, &v.Message, &v.Author, &v.SizeBytes, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if parentHash.Valid {
		value := parentHash.String
		v.ParentHash = &value
	}
	return &v, nil
}

// ListVersionsByDomain enumerates versions newest first.
func (r *Repository) ListVersionsByDomain(ctx context.Context, domainID string, limit int) ([]domain.Version, error) {
	query := `SELECT id, domain_id, version_number, content_hash, parent_hash, message, author, size_bytes, created_at
		FROM versions WHERE domain_id = $1 ORDER BY version_number DESC`
	args := []any{domainID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]domain.Version, 0)
	for rows.Next() {
		var (
			v          domain.Version
			parentHash sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.DomainID, &v.VersionNumber, &v.ContentHash, &parentHash, &v.Message, &v.Author, &v.SizeBytes, &v.CreatedAt); err != nil {
			return nil, err
		}
		if parentHash.Valid {
			value := parentHash.String
			v.ParentHash = &value
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListVersionFiles returns the logical→stored filename mapping for a version.
func (r *Repository) ListVersionFiles(ctx context.Context, versionID string) ([]domain.VersionFile, error) {
	const query = `SELECT version_id, filename, stored_name, size_bytes
		FROM version_files WHERE version_id = $1 ORDER BY filename`
	rows, err := r.pool.Query(ctx, query, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]domain.VersionFile, 0)
	for rows.Next() {
		var f domain.VersionFile
		if err := rows.Scan(&f.VersionID, &f.Name, &f.StoredName, &f.SizeBytes); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CountVersions counts stored versions across all domains.
func (r *Repository) CountVersions(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM versions`)
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, domain_id, version_id, environment, status, error, metadata, created_at, deployed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.DomainID,
		deployment.VersionID,
		deployment.Environment,
		deployment.Status,
		deployment.Error,
		bytesToNil(deployment.Metadata),
		deployment.CreatedAt,
		timePtrToNil(deployment.DeployedAt),
		deployment.UpdatedAt,
	)
	return mapPgError(err)
}

// UpdateDeploymentStatus transitions a pending deployment exactly once.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			error = COALESCE($3, error),
			metadata = COALESCE($4, metadata),
			deployed_at = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		emptyToNil(update.Error),
		bytesToNil(update.Metadata),
		timePtrToNil(update.DeployedAt),
	)
	if err != nil {
		return mapPgError(err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT id, domain_id, version_id, environment, status, error, metadata, created_at, deployed_at, updated_at
		FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d          domain.Deployment
		metadata   []byte
		deployedAt sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.DomainID, &d.VersionID, &d.Environment, &d.Status, &d.Error, &metadata, &d.CreatedAt, &deployedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		d.Metadata = append([]byte(nil), metadata...)
	}
	if deployedAt.Valid {
		value := deployedAt.Time.UTC()
		d.DeployedAt = &value
	}
	return &d, nil
}

// ListDeploymentsByDomain returns deployments newest first, optionally
// filtered by environment.
func (r *Repository) ListDeploymentsByDomain(ctx context.Context, domainID, environment string, limit int) ([]domain.Deployment, error) {
	query := `SELECT id, domain_id, version_id, environment, status, error, metadata, created_at, deployed_at, updated_at
		FROM deployments
		WHERE domain_id = $1 AND ($2 = '' OR environment = $2)
		ORDER BY created_at DESC`
	args := []any{domainID, strings.TrimSpace(environment)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

// ListSuccessfulDeployments returns status=success deployments for the
// (domain, environment) pair, newest first.
func (r *Repository) ListSuccessfulDeployments(ctx context.Context, domainID, environment string, limit int) ([]domain.Deployment, error) {
	query := `SELECT id, domain_id, version_id, environment, status, error, metadata, created_at, deployed_at, updated_at
		FROM deployments
		WHERE domain_id = $1 AND environment = $2 AND status = 'success'
		ORDER BY deployed_at DESC`
	args := []any{domainID, environment}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var (
			d          domain.Deployment
			metadata   []byte
			deployedAt sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.DomainID, &d.VersionID, &d.Environment, &d.Status, &d.Error, &metadata, &d.CreatedAt, &deployedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			d.Metadata = append([]byte(nil), metadata...)
		}
		if deployedAt.Valid {
			value := deployedAt.Time.UTC()
			d.DeployedAt = &value
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// CountDeployments counts all deployments.
func (r *Repository) CountDeployments(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(1) FROM deployments`)
}

// RecordBackup inserts a backup record.
func (r *Repository) RecordBackup(ctx context.Context, record *domain.BackupRecord) error {
	const query = `INSERT INTO backups (id, domain_id, path, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, record.ID, record.DomainID, record.Path, record.SizeBytes, record.CreatedAt)
	return mapPgError(err)
}

// LastBackupTime returns the newest backup timestamp, or nil when no
// backup has been taken yet.
func (r *Repository) LastBackupTime(ctx context.Context) (*time.Time, error) {
	const query = `SELECT MAX(created_at) FROM backups`
	var last sql.NullTime
	if err := r.pool.QueryRow(ctx, query).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	value := last.Time.UTC()
	return &value, nil
}

func (r *Repository) count(ctx context.Context, query string) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrAlreadyExists
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
