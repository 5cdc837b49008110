package domain

import "time"

// Version is an immutable, content-addressed snapshot of a domain's files.
type Version struct {
	ID            string
	DomainID      string
	VersionNumber int
	ContentHash   string
	ParentHash    *string
	Message       string
	Author        string
	SizeBytes     int64
	CreatedAt     time.Time
}

// VersionFile maps a logical filename to its sanitized blob key within a
// version. The logical name is authoritative; the stored name only exists
// to keep blob keys filesystem-safe.
type VersionFile struct {
	VersionID  string
	Name       string
	StoredName string
	SizeBytes  int64
}
