package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// snapshot is an immutable view of the non-deleted workflow definitions.
// ordered keeps the insertion order matching depends on.
type snapshot struct {
	ordered  []model.WorkflowDefinition
	byID     map[string]int
	checksum string
}

// Registry is a read-optimized, thread-safe view of all live workflow
// definitions. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Soft-deleted definitions are skipped.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	s := &snapshot{
		ordered: make([]model.WorkflowDefinition, 0, len(defs)),
		byID:    make(map[string]int, len(defs)),
	}

	var checksumParts []string

	for _, def := range defs {
		if def.Deleted() {
			continue
		}
		if i, dup := s.byID[def.ID]; dup {
			s.ordered[i] = def
			continue
		}
		s.byID[def.ID] = len(s.ordered)
		s.ordered = append(s.ordered, def)
	}
	for _, def := range s.ordered {
		checksumParts = append(checksumParts, def.ID+"@"+def.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the workflow definition with the given ID.
func (r *Registry) Get(workflowID string) (model.WorkflowDefinition, bool) {
	s := r.current()
	i, ok := s.byID[workflowID]
	if !ok {
		return model.WorkflowDefinition{}, false
	}
	return s.ordered[i], true
}

// All returns every live definition in insertion order. The returned slice
// is a copy and may be modified by the caller.
func (r *Registry) All() []model.WorkflowDefinition {
	s := r.current()
	out := make([]model.WorkflowDefinition, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of live definitions.
func (r *Registry) Len() int {
	return len(r.current().ordered)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
