package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bnema/ardysactl/internal/fsutil"
	"github.com/bnema/ardysactl/internal/target"
)

const stateFile = "state.json"

// Outcome of the last operation
type Outcome string

const (
	OutcomeCompleted Outcome = "Completed"
	OutcomeFailed    Outcome = "Failed"
	OutcomeCancelled Outcome = "Cancelled"
)

// InstalledSource is a source merged into the current archive
type InstalledSource struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Priority  int       `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
	Claims    []string  `json:"claims,omitempty"`
}

// State is the persisted record of a target's last operation
type State struct {
	LastOperation string            `json:"last_operation,omitempty"`
	Outcome       Outcome           `json:"outcome,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	Message       string            `json:"message,omitempty"`
	Disabled      bool              `json:"disabled"`
	Fingerprint   string            `json:"fingerprint,omitempty"`
	Installed     []InstalledSource `json:"installed,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// StateStore handles persistence of per-target state
type StateStore struct {
	mu sync.RWMutex
}

// NewStateStore creates a state store
func NewStateStore() *StateStore {
	return &StateStore{}
}

func statePath(t *target.Target) string {
	return filepath.Join(t.StateDir, stateFile)
}

// Load reads the state of t. A missing file yields the zero state.
func (ss *StateStore) Load(t *target.Target) (State, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var st State
	data, err := os.ReadFile(statePath(t))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Save writes the state of t
func (ss *StateStore) Save(t *target.Target, st State) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := os.MkdirAll(t.StateDir, 0o755); err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()
	sort.Slice(st.Installed, func(i, j int) bool { return st.Installed[i].ID < st.Installed[j].ID })

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(statePath(t), data, 0o644)
}

// Update loads the state of t, applies fn and saves it. An unreadable state
// file is left in place and reported.
func (ss *StateStore) Update(t *target.Target, fn func(*State)) error {
	st, err := ss.Load(t)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", statePath(t), err)
	}
	fn(&st)
	return ss.Save(t, st)
}
