package monitor

import (
	"time"
)

// Monitor is the daemon's record of one directory under observation. Its
// ID doubles as the directory id of the commit chain.
type Monitor struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Frequency time.Duration `json:"frequency"` // zero: daemon default
	Enabled   bool          `json:"enabled"`

	// Settled is the fingerprint of the disk state left behind when the
	// head commit was removed. Ticks that observe exactly this state
	// commit nothing; the first real change clears it.
	Settled string `json:"settled,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Interval returns the effective tick period.
func (m *Monitor) Interval(def time.Duration) time.Duration {
	if m.Frequency > 0 {
		return m.Frequency
	}
	return def
}

// Box defines the interface for monitor storage operations
type Box interface {
	Create(m *Monitor) error
	Get(id string) (*Monitor, error)
	GetByPath(path string) (*Monitor, error)
	Update(m *Monitor) error
	List() ([]*Monitor, error)

	// Enabled returns the monitors whose timers should run.
	Enabled() ([]*Monitor, error)
}
