// internal/commitlog/types.go
package commitlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"tabasco/internal/diff"
)

// Commit is one link of a directory's chain. Parent and child are id
// references; the chain never branches.
type Commit struct {
	ID          string    `json:"id"`
	DirectoryID string    `json:"directory_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChildID     string    `json:"child_id,omitempty"`
	Diff        diff.Diff `json:"diff"`
	Timestamp   time.Time `json:"timestamp"`
	Corrupt     bool      `json:"corrupt,omitempty"`
}

func (c *Commit) GetID() string {
	return c.ID
}

func (c *Commit) IsRoot() bool {
	return c.ParentID == ""
}

func (c *Commit) IsHead() bool {
	return c.ChildID == ""
}

// computeID hashes the parent id, the diff and the timestamp.
func computeID(parentID string, d diff.Diff, ts time.Time) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshaling diff: %w", err)
	}

	buf := make([]byte, 0, len(parentID)+len(data)+40)
	buf = append(buf, parentID...)
	buf = append(buf, '\n')
	buf = append(buf, data...)
	buf = append(buf, '\n')
	buf = append(buf, ts.UTC().Format(time.RFC3339Nano)...)
	return digest.FromBytes(buf).Encoded(), nil
}
