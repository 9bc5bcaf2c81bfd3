// Package layout holds the in-memory floor plan of one project and the editor
// session that mutates it.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"seatplan/layout-server/internal/model"
)

var (
	// ErrUnknownEntity is returned when an id is not part of the layout.
	ErrUnknownEntity = errors.New("unknown layout entity")
	// ErrDuplicateEntity is returned when a snapshot reuses an id.
	ErrDuplicateEntity = errors.New("duplicate layout entity id")
)

type ref struct {
	kind  model.EntityKind
	index int
}

// Entity is a read-only view of a table or room item.
type Entity struct {
	ID   string           `json:"id"`
	Kind model.EntityKind `json:"kind"`
	model.Geometry
}

// Model is the layout data an editor session renders from. Positions change
// in place as entities are dragged; everything else is fixed for the session.
type Model struct {
	mu        sync.RWMutex
	projectID string
	tables    []model.Table
	items     []model.RoomItem
	guests    []model.GuestSeat
	index     map[string]ref
}

// NewModel copies snap into a new Model.
func NewModel(snap model.Snapshot) (*Model, error) {
	m := &Model{
		projectID: snap.ProjectID,
		tables:    append([]model.Table(nil), snap.Tables...),
		items:     append([]model.RoomItem(nil), snap.RoomItems...),
		guests:    append([]model.GuestSeat(nil), snap.Guests...),
		index:     make(map[string]ref, len(snap.Tables)+len(snap.RoomItems)),
	}

	for i, t := range m.tables {
		if err := m.register(t.ID, model.KindTable, i); err != nil {
			return nil, err
		}
	}
	for i, it := range m.items {
		if err := m.register(it.ID, model.KindRoomItem, i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) register(id string, kind model.EntityKind, i int) error {
	if id == "" {
		return fmt.Errorf("%w: empty id for %s", ErrUnknownEntity, kind)
	}
	if _, dup := m.index[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
	}
	m.index[id] = ref{kind: kind, index: i}
	return nil
}

// ProjectID returns the owning project.
func (m *Model) ProjectID() string {
	return m.projectID
}

// Entity looks up a table or room item by id.
func (m *Model) Entity(id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.index[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return m.entityLocked(id, r), nil
}

func (m *Model) entityLocked(id string, r ref) Entity {
	if r.kind == model.KindTable {
		return Entity{ID: id, Kind: r.kind, Geometry: m.tables[r.index].Geometry}
	}
	return Entity{ID: id, Kind: r.kind, Geometry: m.items[r.index].Geometry}
}

// SetPosition moves an entity and reports its kind.
func (m *Model) SetPosition(id string, x, y float64) (model.EntityKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.index[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	switch r.kind {
	case model.KindTable:
		m.tables[r.index].PosX, m.tables[r.index].PosY = x, y
	default:
		m.items[r.index].PosX, m.items[r.index].PosY = x, y
	}
	return r.kind, nil
}

// HitTest returns the topmost entity whose bounding box contains the canvas
// point. Tables are drawn above room items, later entries above earlier ones.
func (m *Model) HitTest(x, y float64) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.tables) - 1; i >= 0; i-- {
		if t := m.tables[i]; t.Contains(x, y) {
			return Entity{ID: t.ID, Kind: model.KindTable, Geometry: t.Geometry}, true
		}
	}
	for i := len(m.items) - 1; i >= 0; i-- {
		if it := m.items[i]; it.Contains(x, y) {
			return Entity{ID: it.ID, Kind: model.KindRoomItem, Geometry: it.Geometry}, true
		}
	}
	return Entity{}, false
}

// GuestsAt lists guests seated at a table ordered by seat number; guests
// without a seat number come last in snapshot order.
func (m *Model) GuestsAt(tableID string) ([]model.GuestSeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.index[tableID]
	if !ok || r.kind != model.KindTable {
		return nil, fmt.Errorf("%w: table %s", ErrUnknownEntity, tableID)
	}

	var out []model.GuestSeat
	for _, g := range m.guests {
		if g.TableID != nil && *g.TableID == tableID {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].SeatNumber, out[j].SeatNumber
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	return out, nil
}

// Snapshot returns the current layout, including moved positions.
func (m *Model) Snapshot() model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.Snapshot{
		ProjectID: m.projectID,
		Tables:    append([]model.Table(nil), m.tables...),
		RoomItems: append([]model.RoomItem(nil), m.items...),
		Guests:    append([]model.GuestSeat(nil), m.guests...),
	}
}
