package node

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/craftkit/internal/clock"
	"github.com/deepnoodle-ai/craftkit/steps"
	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Transition is published to subscribers after every accepted change.
type Transition struct {
	Type     EventType `json:"type"`
	NodeID   string    `json:"node_id"`
	Previous Status    `json:"previous,omitempty"`
	Record   Record    `json:"record"`
	At       time.Time `json:"at"`

	// Missed counts transitions dropped for this subscriber since the last
	// one it received. When non-zero the reader should re-read the model.
	Missed int `json:"missed,omitempty"`
}

// Edge connects a master node to a node it spawned.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot is a serializable copy of a model.
type Snapshot struct {
	Records []Record `json:"records"`
	Edges   []Edge   `json:"edges"`
}

type subscriber struct {
	ch     chan Transition
	nodes  map[string]bool
	missed int
}

// Model is the set of records for one or more generations. All mutations go
// through Reduce under the model's lock, so the model can be shared between
// a writer and any number of readers.
type Model struct {
	mutex   sync.RWMutex
	clock   clock.Clock
	newID   func() string
	records map[string]*Record
	order   []string
	subs    map[uint64]*subscriber
	seq     uint64
	buffer  int
}

// Option configures a Model.
type Option func(*Model)

// WithClock sets the clock used for timestamps.
func WithClock(cl clock.Clock) Option {
	return func(m *Model) {
		m.clock = cl
	}
}

// WithIDGenerator replaces the default UUID node ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Model) {
		m.newID = fn
	}
}

// WithSubscriberBuffer sets the channel capacity given to new subscribers.
func WithSubscriberBuffer(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// NewModel returns an empty model.
func NewModel(opts ...Option) *Model {
	m := &Model{
		clock:   clock.Real{},
		newID:   uuid.NewString,
		records: make(map[string]*Record),
		subs:    make(map[uint64]*subscriber),
		buffer:  defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create adds a Pending record. parentID must name an existing master node
// for materials and step nodes and be empty for master nodes.
func (m *Model) Create(kind Kind, parentID string, step *steps.Step) (Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch kind {
	case KindMaster:
		if parentID != "" {
			return Record{}, fmt.Errorf("master node cannot have a parent")
		}
	case KindMaterials, KindStep:
		parent, ok := m.records[parentID]
		if !ok {
			return Record{}, fmt.Errorf("%w: parent %q", ErrNotFound, parentID)
		}
		if parent.Kind != KindMaster {
			return Record{}, fmt.Errorf("parent %s is a %s node, not a master node", parentID, parent.Kind)
		}
		if kind == KindStep && step == nil {
			return Record{}, fmt.Errorf("step node requires a step")
		}
	default:
		return Record{}, fmt.Errorf("unknown node kind %q", kind)
	}

	now := m.clock.Now()
	rec := &Record{
		ID:        m.newID(),
		Kind:      kind,
		ParentID:  parentID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if step != nil {
		s := *step
		rec.Step = &s
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	out := rec.Clone()
	m.publish(Transition{Type: EventTypeCreated, NodeID: rec.ID, Record: out, At: now})
	return out, nil
}

// Apply reduces ev against the record it names and publishes the transition.
func (m *Model) Apply(ev Event) (Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, ok := m.records[ev.NodeID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, ev.NodeID)
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	next, err := Reduce(*rec, ev)
	if err != nil {
		return rec.Clone(), err
	}
	previous := rec.Status
	*rec = next
	out := next.Clone()
	m.publish(Transition{Type: ev.Type, NodeID: rec.ID, Previous: previous, Record: out, At: ev.At})
	return out, nil
}

// Dispatch moves a Pending record to InFlight.
func (m *Model) Dispatch(id string) (Record, error) {
	return m.Apply(Event{Type: EventTypeDispatched, NodeID: id})
}

// Succeed moves an InFlight record to Succeeded with payload.
func (m *Model) Succeed(id string, payload Payload) (Record, error) {
	return m.Apply(Event{Type: EventTypeSucceeded, NodeID: id, Payload: &payload})
}

// Fail moves an InFlight record to Failed.
func (m *Model) Fail(id string, kind ErrorKind, message string) (Record, error) {
	return m.Apply(Event{Type: EventTypeFailed, NodeID: id, ErrorKind: kind, Error: message})
}

// Rearm moves a Failed record back to Pending and counts the retry.
func (m *Model) Rearm(id string) (Record, error) {
	return m.Apply(Event{Type: EventTypeRearmed, NodeID: id})
}

// StartAnalysis marks the analysis of a Succeeded master node as running.
func (m *Model) StartAnalysis(id string) (Record, error) {
	return m.Apply(Event{Type: EventTypeAnalysisStarted, NodeID: id})
}

// FailAnalysis records a failed analysis on the master node.
func (m *Model) FailAnalysis(id string, kind ErrorKind, message string) (Record, error) {
	return m.Apply(Event{Type: EventTypeAnalysisFailed, NodeID: id, ErrorKind: kind, Error: message})
}

// CompleteAnalysis records a successful analysis on the master node.
func (m *Model) CompleteAnalysis(id string) (Record, error) {
	return m.Apply(Event{Type: EventTypeAnalysisCompleted, NodeID: id})
}

// Get returns a copy of the record with the given id.
func (m *Model) Get(id string) (Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Children returns the records spawned by parentID in creation order.
func (m *Model) Children(parentID string) []Record {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var out []Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.ParentID == parentID && parentID != "" {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Records returns every record in creation order.
func (m *Model) Records() []Record {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Clone())
	}
	return out
}

// Snapshot returns the records rooted at masterID and the edges from the
// master to its children. An empty masterID snapshots the whole model.
func (m *Model) Snapshot(masterID string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	snap := Snapshot{Records: []Record{}, Edges: []Edge{}}
	for _, id := range m.order {
		rec := m.records[id]
		if masterID != "" && rec.ID != masterID && rec.ParentID != masterID {
			continue
		}
		snap.Records = append(snap.Records, rec.Clone())
		if rec.ParentID != "" {
			snap.Edges = append(snap.Edges, Edge{From: rec.ParentID, To: rec.ID})
		}
	}
	return snap
}

// Restore adds the records of snap to the model. A record whose id is
// already present fails the whole restore. Transitions are not published for
// restored records.
func (m *Model) Restore(snap Snapshot) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, rec := range snap.Records {
		if _, dup := m.records[rec.ID]; dup {
			return fmt.Errorf("record %s already exists", rec.ID)
		}
	}
	records := make([]Record, len(snap.Records))
	copy(records, snap.Records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("snapshot record without id")
		}
		if seen[rec.ID] {
			return fmt.Errorf("duplicate record %s in snapshot", rec.ID)
		}
		seen[rec.ID] = true
	}
	for _, rec := range records {
		r := rec.Clone()
		m.records[r.ID] = &r
		m.order = append(m.order, r.ID)
	}
	return nil
}

// Subscribe returns a channel of transitions and a cancel function that
// closes it. With node ids given, only transitions of those nodes are
// delivered. Delivery never blocks the writer: when a subscriber's buffer is
// full the transition is dropped for that subscriber and counted in Missed
// on the next one it receives, so the subscriber knows to recover the
// current state with Get or Snapshot.
func (m *Model) Subscribe(nodeIDs ...string) (<-chan Transition, func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.seq++
	id := m.seq
	sub := &subscriber{ch: make(chan Transition, m.buffer)}
	if len(nodeIDs) > 0 {
		sub.nodes = make(map[string]bool, len(nodeIDs))
		for _, n := range nodeIDs {
			sub.nodes[n] = true
		}
	}
	m.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Close closes every subscription.
func (m *Model) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
}

// publish must be called with the write lock held.
func (m *Model) publish(t Transition) {
	for _, sub := range m.subs {
		if sub.nodes != nil && !sub.nodes[t.NodeID] {
			continue
		}
		out := t
		out.Missed = sub.missed
		select {
		case sub.ch <- out:
			sub.missed = 0
		default:
			sub.missed++
		}
	}
}
