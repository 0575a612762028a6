// Package snapshot persists the node state of generations so a later
// process can show, resume or retry them.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/steps"
)

// ErrNotFound is returned when no snapshot exists for an id.
var ErrNotFound = errors.New("snapshot not found")

// Generation is the persisted form of one generation: its request, the
// records rooted at its master node, the region its analysis ran on and the
// step groups derived from that analysis.
type Generation struct {
	ID        string        `json:"id"`
	Prompt    string        `json:"prompt"`
	Category  string        `json:"category"`
	MasterID  string        `json:"master_id"`
	Nodes     node.Snapshot `json:"nodes"`
	Selection *Selection    `json:"selection,omitempty"`
	Groups    []steps.Group `json:"groups,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Selection is the region the last analysis was asked to run on.
type Selection struct {
	Mask *region.Mask `json:"mask,omitempty"`
	Hint string       `json:"hint,omitempty"`
}

// Store saves generation snapshots. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save stores gen, replacing any earlier snapshot with the same id
	Save(ctx context.Context, gen *Generation) error

	// Load returns the snapshot with the given id or ErrNotFound
	Load(ctx context.Context, id string) (*Generation, error)

	// List returns all snapshots, most recently updated first
	List(ctx context.Context) ([]*Generation, error)

	// Delete removes a snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps snapshots in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Generation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Generation{}}
}

func (s *MemoryStore) Save(ctx context.Context, gen *Generation) error {
	if err := validateID(gen.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[gen.ID] = *gen
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &gen, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Generation, 0, len(s.items))
	for _, gen := range s.items {
		g := gen
		out = append(out, &g)
	}
	sortByUpdated(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func sortByUpdated(gens []*Generation) {
	sort.Slice(gens, func(i, j int) bool {
		if gens[i].UpdatedAt.Equal(gens[j].UpdatedAt) {
			return gens[i].ID < gens[j].ID
		}
		return gens[i].UpdatedAt.After(gens[j].UpdatedAt)
	})
}
