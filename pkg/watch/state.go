package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/noname-app/site-crawler/pkg/utils"
)

const stateFileName = "watch_state.json"

// TenantState is the last scheduled run of one tenant
type TenantState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	LastJobID      string    `json:"last_job_id,omitempty"`
	PagesVisited   int       `json:"pages_visited"`
	ChangedCount   int       `json:"changed_count"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// State is the persisted scheduler state
type State struct {
	Tenants   map[string]TenantState `json:"tenants"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StateManager loads and saves scheduler state as JSON in one directory
type StateManager struct {
	stateDir  string
	statePath string
	now       func() time.Time

	mu    sync.RWMutex
	state State
}

// NewStateManager creates a state manager writing to stateDir
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		now:       time.Now,
		state:     State{Tenants: make(map[string]TenantState)},
	}
}

// Path is the state file location
func (m *StateManager) Path() string { return m.statePath }

// Load reads the state file. A missing file is an empty state.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.state = State{Tenants: make(map[string]TenantState)}
			return nil
		}
		return fmt.Errorf("%w: read watch state: %w", utils.ErrFilesystem, err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("%w: JSON watch state %s: %w", utils.ErrParsing, m.statePath, err)
	}
	if loaded.Tenants == nil {
		loaded.Tenants = make(map[string]TenantState)
	}
	m.state = loaded
	return nil
}

// Save writes the state through a temp file so a crash never leaves a torn file
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.now()
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("%w: create state directory: %w", utils.ErrFilesystem, err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: JSON encode watch state: %w", utils.ErrParsing, err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write watch state: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("%w: replace watch state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// Get returns the state of one tenant
func (m *StateManager) Get(tenantID string) (TenantState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tenants[tenantID]
	return state, ok
}

// Record stores the outcome of a run finished now
func (m *StateManager) Record(tenantID string, state TenantState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.LastRunTime.IsZero() {
		state.LastRunTime = m.now()
	}
	m.state.Tenants[tenantID] = state
}

// ShouldRun reports whether the tenant never ran or last ran at least interval ago
func (m *StateManager) ShouldRun(tenantID string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tenants[tenantID]
	if !ok {
		return true
	}
	return m.now().Sub(state.LastRunTime) >= interval
}

// NextRunTime is when the tenant is next due; now if it never ran
func (m *StateManager) NextRunTime(tenantID string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tenants[tenantID]
	if !ok {
		return m.now()
	}
	return state.LastRunTime.Add(interval)
}

// All returns a copy of every tenant state
func (m *StateManager) All() map[string]TenantState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.state.Tenants)
}
