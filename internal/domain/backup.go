package domain

import "time"

// BackupRecord tracks an exported archive on disk.
type BackupRecord struct {
	ID        string
	DomainID  string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// Stats summarizes vault-wide counts for the stats endpoint.
type Stats struct {
	Domains      int64      `json:"domains"`
	Versions     int64      `json:"versions"`
	Deployments  int64      `json:"deployments"`
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`
}
