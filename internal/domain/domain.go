package domain

import (
	"encoding/json"
	"time"
)

// Domain is a named unit of versioned, encrypted file content.
type Domain struct {
	ID        string
	Name      string
	Encrypted bool
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the cached view of a domain and its current version.
type Snapshot struct {
	Domain         Domain    `json:"domain"`
	CurrentVersion int       `json:"current_version"`
	CurrentHash    string    `json:"current_hash"`
	RefreshedAt    time.Time `json:"refreshed_at"`
}
