package stores

import (
	"context"
	"time"
)

// JournalEntry records one remote file handled by a poller job.
type JournalEntry struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"` // second precision, as reported by SFTP
	Action      string    `json:"action"`   // delete, move, none
	LocalPath   *string   `json:"local_path,omitempty"`
	Checksum    *string   `json:"checksum,omitempty"`
	Error       *string   `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Journal defines the interface pollers use to remember processed files.
type Journal interface {
	// Record stores entry, assigning an ID and ProcessedAt when unset.
	Record(ctx context.Context, entry *JournalEntry) error

	// Seen reports whether job already processed path with this size and
	// modification time without error.
	Seen(ctx context.Context, job, path string, size int64, modTime time.Time) (bool, error)

	// List returns the entries of job, newest first. An empty job lists all.
	List(ctx context.Context, job string, limit, offset int) ([]*JournalEntry, error)

	// Purge deletes entries processed before olderThan.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store defines the interface for the persistence layer.
type Store interface {
	Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}
