// Package types holds the view types shared by the daemon, its IPC
// client and the CLI.
package types

import (
	"time"
)

// Change kinds in a commit summary.
const (
	ChangeAdded    = "A"
	ChangeModified = "M"
	ChangeRemoved  = "D"
)

// Change is one path-level entry of a commit.
type Change struct {
	Path      string     `json:"path"`
	Type      string     `json:"type"`
	OldHash   string     `json:"old_hash,omitempty"`
	NewHash   string     `json:"new_hash,omitempty"`
	Mode      int        `json:"mode"`
	Size      int64      `json:"size"`
	ModTime   time.Time  `json:"mod_time"`
	Diff      string     `json:"diff,omitempty"`
	DiffHunks []DiffHunk `json:"diff_hunks,omitempty"`
}

// DiffHunk represents a section of changes
type DiffHunk struct {
	OldStart int      `json:"old_start"`
	OldLines int      `json:"old_lines"`
	NewStart int      `json:"new_start"`
	NewLines int      `json:"new_lines"`
	Lines    []string `json:"lines"`
}

// LogEntry is one commit as listed by `log`.
type LogEntry struct {
	ID          string    `json:"id"`
	DirectoryID string    `json:"directory_id"`
	Directory   string    `json:"directory"`
	ParentID    string    `json:"parent_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Corrupt     bool      `json:"corrupt,omitempty"`
	Changes     []Change  `json:"changes"`
}

// MonitorStatus describes one monitored directory.
type MonitorStatus struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Frequency time.Duration `json:"frequency"`
	Enabled   bool          `json:"enabled"`
	State     string        `json:"state"`
	Commits   int           `json:"commits"`
	Head      string        `json:"head,omitempty"`
}

// BlobStats summarises the blob store.
type BlobStats struct {
	Blobs      int   `json:"blobs"`
	References int64 `json:"references"`
	Size       int64 `json:"size"`
	StoredSize int64 `json:"stored_size"`
}

// Status is the daemon's answer to `status`.
type Status struct {
	PID       int             `json:"pid"`
	Version   string          `json:"version"`
	StartedAt time.Time       `json:"started_at"`
	Frequency time.Duration   `json:"frequency"`
	Monitors  []MonitorStatus `json:"monitors"`
	Blobs     BlobStats       `json:"blobs"`
}

// ApplyResult reports the commits an apply recorded.
type ApplyResult struct {
	Target   string   `json:"target"`
	Snapshot string   `json:"snapshot,omitempty"`
	Forward  string   `json:"forward,omitempty"`
	Changes  []Change `json:"changes,omitempty"`
}

// RemoveResult reports the commit an rm excised.
type RemoveResult struct {
	Removed     string `json:"removed"`
	DirectoryID string `json:"directory_id"`
	Remaining   int    `json:"remaining"`
}
