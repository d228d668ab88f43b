package fleet

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/qefleet/qefleet/internal/memory"
	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/pkg/models"
)

// State is the serialized snapshot of a fleet: its aggregate metrics, the
// in-process coordination store contents, and the policy estimates. The
// policy estimates are informational; learned values round-trip through
// the policy database, not through state files.
type State struct {
	Metrics Metrics                                    `json:"metrics"`
	Entries []memory.Entry                             `json:"entries"`
	Policy  map[string]map[models.Tier]policy.Estimate `json:"policy,omitempty"`
}

// ExportState writes the fleet's state to path as JSON. Only fleets backed
// by the in-process store can export; a Redis-backed fleet's state already
// lives outside the process.
func (f *Fleet) ExportState(path string) error {
	if f.local == nil {
		return fmt.Errorf("state export requires the in-process store")
	}

	state := State{
		Metrics: f.Metrics(),
		Entries: f.local.Snapshot(),
	}
	if f.policy != nil {
		state.Policy = f.policy.Snapshot()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// ImportState loads a previously exported state file, replacing the
// in-process store contents and the aggregate metrics.
func (f *Fleet) ImportState(path string) error {
	if f.local == nil {
		return fmt.Errorf("state import requires the in-process store")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}

	f.local.Restore(state.Entries)

	f.mu.Lock()
	f.metrics = state.Metrics
	f.mu.Unlock()
	return nil
}
